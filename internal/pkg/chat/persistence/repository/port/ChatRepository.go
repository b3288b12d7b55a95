package repository

import (
	"context"
	"errors"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
)

// Adapters translate their driver-specific signals into these two errors;
// anything else they return is an infrastructure failure.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// ChatRepository defines persistence operations for the chat domain.
// Implementations must be safe for concurrent use.
type ChatRepository interface {
	// FindConversationByPair returns the conversation of a canonical pair or ErrNotFound.
	FindConversationByPair(ctx context.Context, pair chat.Pair) (chat.Conversation, error)

	// CreateConversation inserts c guarded by the unique pair constraint and
	// returns ErrConflict when a conversation for c.Pair already exists.
	CreateConversation(ctx context.Context, c chat.Conversation) error

	GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error)

	// ListConversationsByUser returns the user's conversations, most recently updated first.
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]chat.Conversation, error)

	// AppendMessage stores m at the end of its conversation's log. The store
	// assigns Seq and the final CreatedAt (never earlier than the conversation's
	// UpdatedAt, m.CreatedAt is the proposed "now") and bumps the conversation in
	// the same transaction. Returns ErrNotFound for an unknown conversation and
	// chat.ErrNotParticipant when the sender is not a member.
	AppendMessage(ctx context.Context, m chat.Message) (chat.Message, error)

	// ListMessages returns up to limit messages with Seq > afterSeq in ascending order.
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error)
}
