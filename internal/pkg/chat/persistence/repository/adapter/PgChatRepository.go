package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// invalid_text_representation: a conversation id that is not a uuid cannot exist.
const pgInvalidTextRepresentation = "22P02"

type PgChatRepository struct {
	pool *pgxpool.Pool
}

func NewPgChatRepository(pool *pgxpool.Pool) *PgChatRepository {
	return &PgChatRepository{pool: pool}
}

var _ repository.ChatRepository = (*PgChatRepository)(nil)

const pgConversationColumns = `id::text, user_low, user_high, created_at, updated_at, last_seq`

func (r *PgChatRepository) FindConversationByPair(ctx context.Context, pair chat.Pair) (chat.Conversation, error) {
	if r == nil || r.pool == nil {
		return chat.Conversation{}, errors.New("PgChatRepository: nil pool")
	}
	row := r.pool.QueryRow(ctx,
		"SELECT "+pgConversationColumns+" FROM chat.conversation WHERE user_low = $1 AND user_high = $2",
		pair.Low, pair.High,
	)
	return scanPgConversation(row)
}

func (r *PgChatRepository) CreateConversation(ctx context.Context, c chat.Conversation) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO chat.conversation (id, user_low, user_high, created_at, updated_at, last_seq)
		VALUES ($1::uuid, $2, $3, $4, $5, 0)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`, c.ID, c.Pair.Low, c.Pair.High, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

func (r *PgChatRepository) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if r == nil || r.pool == nil {
		return chat.Conversation{}, errors.New("PgChatRepository: nil pool")
	}
	row := r.pool.QueryRow(ctx,
		"SELECT "+pgConversationColumns+" FROM chat.conversation WHERE id = $1::uuid",
		conversationID,
	)
	return scanPgConversation(row)
}

func (r *PgChatRepository) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]chat.Conversation, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+pgConversationColumns+`
		FROM chat.conversation
		WHERE user_low = $1 OR user_high = $1
		ORDER BY updated_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return convs, nil
}

func (r *PgChatRepository) AppendMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if r == nil || r.pool == nil {
		return chat.Message{}, errors.New("PgChatRepository: nil pool")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes appends per conversation only.
	conv, err := scanPgConversation(tx.QueryRow(ctx,
		"SELECT "+pgConversationColumns+" FROM chat.conversation WHERE id = $1::uuid FOR UPDATE",
		m.ConversationID,
	))
	if err != nil {
		return chat.Message{}, err
	}
	if !conv.HasParticipant(m.SenderID) {
		return chat.Message{}, chat.ErrNotParticipant
	}

	m.Seq = conv.LastSeq + 1
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Microsecond)
	if m.CreatedAt.Before(conv.UpdatedAt) {
		m.CreatedAt = conv.UpdatedAt
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat.message (id, conversation_id, seq, sender_id, content, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
	`, m.ID, m.ConversationID, m.Seq, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE chat.conversation
		SET last_seq = $2, updated_at = $3
		WHERE id = $1::uuid
	`, m.ConversationID, m.Seq, m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (r *PgChatRepository) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	if limit <= 0 {
		limit = 50
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, conversation_id::text, seq, sender_id, content, created_at
		FROM chat.message
		WHERE conversation_id = $1::uuid AND seq > $2
		ORDER BY created_at ASC, seq ASC
		LIMIT $3
	`, conversationID, afterSeq, limit)
	if err != nil {
		if isPgInvalidText(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var msg chat.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return msgs, nil
}

func scanPgConversation(row pgx.Row) (chat.Conversation, error) {
	var c chat.Conversation
	err := row.Scan(&c.ID, &c.Pair.Low, &c.Pair.High, &c.CreatedAt, &c.UpdatedAt, &c.LastSeq)
	if errors.Is(err, pgx.ErrNoRows) || isPgInvalidText(err) {
		return chat.Conversation{}, repository.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if err := c.Validate(); err != nil {
		return chat.Conversation{}, fmt.Errorf("postgres: %w", err)
	}
	return c, nil
}

func isPgInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepresentation
}
