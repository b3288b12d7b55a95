package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/database"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/jmoiron/sqlx"
)

// SqliteChatRepository is the embedded ChatRepository used by single-node
// deployments and tests. The connection pool is limited to one connection, so
// every transaction is serialized by the pool.
type SqliteChatRepository struct {
	db *sqlx.DB
}

func NewSqliteChatRepository(db *sqlx.DB) *SqliteChatRepository {
	return &SqliteChatRepository{db: db}
}

var _ repository.ChatRepository = (*SqliteChatRepository)(nil)

type sqliteConversationRow struct {
	ID        string `db:"id"`
	UserLow   string `db:"user_low"`
	UserHigh  string `db:"user_high"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	LastSeq   int64  `db:"last_seq"`
}

type sqliteMessageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Seq            int64  `db:"seq"`
	SenderID       string `db:"sender_id"`
	Content        string `db:"content"`
	CreatedAt      string `db:"created_at"`
}

const sqliteConversationColumns = `id, user_low, user_high, created_at, updated_at, last_seq`

func (r *SqliteChatRepository) FindConversationByPair(ctx context.Context, pair chat.Pair) (chat.Conversation, error) {
	if r == nil || r.db == nil {
		return chat.Conversation{}, errors.New("SqliteChatRepository: nil db")
	}
	var row sqliteConversationRow
	err := r.db.GetContext(ctx, &row,
		"SELECT "+sqliteConversationColumns+" FROM conversations WHERE user_low = ? AND user_high = ?",
		pair.Low, pair.High,
	)
	return row.toDomain(err)
}

func (r *SqliteChatRepository) CreateConversation(ctx context.Context, c chat.Conversation) error {
	if r == nil || r.db == nil {
		return errors.New("SqliteChatRepository: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at, updated_at, last_seq)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`, c.ID, c.Pair.Low, c.Pair.High, formatSQLiteTime(c.CreatedAt), formatSQLiteTime(c.UpdatedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

func (r *SqliteChatRepository) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if r == nil || r.db == nil {
		return chat.Conversation{}, errors.New("SqliteChatRepository: nil db")
	}
	var row sqliteConversationRow
	err := r.db.GetContext(ctx, &row,
		"SELECT "+sqliteConversationColumns+" FROM conversations WHERE id = ?",
		conversationID,
	)
	return row.toDomain(err)
}

func (r *SqliteChatRepository) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]chat.Conversation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("SqliteChatRepository: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []sqliteConversationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+sqliteConversationColumns+`
		FROM conversations
		WHERE user_low = ? OR user_high = ?
		ORDER BY updated_at DESC, id
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	convs := make([]chat.Conversation, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain(nil)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}

func (r *SqliteChatRepository) AppendMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if r == nil || r.db == nil {
		return chat.Message{}, errors.New("SqliteChatRepository: nil db")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var row sqliteConversationRow
	conv, err := row.toDomain(tx.GetContext(ctx, &row,
		"SELECT "+sqliteConversationColumns+" FROM conversations WHERE id = ?",
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
	createdAt := formatSQLiteTime(m.CreatedAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Seq, m.SenderID, m.Content, createdAt); err != nil {
		return chat.Message{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_seq = ?, updated_at = ?
		WHERE id = ? AND last_seq = ?
	`, m.Seq, createdAt, m.ConversationID, conv.LastSeq)
	if err != nil {
		return chat.Message{}, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return chat.Message{}, fmt.Errorf("sqlite: conversation %s moved during append", m.ConversationID)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (r *SqliteChatRepository) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("SqliteChatRepository: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	var rows []sqliteMessageRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, seq, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (row sqliteConversationRow) toDomain(err error) (chat.Conversation, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, repository.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	c := chat.Conversation{
		ID:      row.ID,
		Pair:    chat.Pair{Low: row.UserLow, High: row.UserHigh},
		LastSeq: row.LastSeq,
	}
	if c.CreatedAt, err = parseSQLiteTime(row.CreatedAt); err != nil {
		return chat.Conversation{}, err
	}
	if c.UpdatedAt, err = parseSQLiteTime(row.UpdatedAt); err != nil {
		return chat.Conversation{}, err
	}
	if err := c.Validate(); err != nil {
		return chat.Conversation{}, fmt.Errorf("sqlite: %w", err)
	}
	return c, nil
}

func (row sqliteMessageRow) toDomain() (chat.Message, error) {
	createdAt, err := parseSQLiteTime(row.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	m := chat.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Seq:            row.Seq,
		SenderID:       row.SenderID,
		Content:        row.Content,
		CreatedAt:      createdAt,
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: %w", err)
	}
	return m, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(database.SQLiteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(database.SQLiteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
