package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxContentLength bounds message content in runes when no limit is configured.
const DefaultMaxContentLength = 4000

// Message is an immutable log entry in a conversation.
// Seq is the per-conversation position assigned by the store; together with
// CreatedAt (non-decreasing in Seq) it defines the total order of the log.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Seq            int64     `db:"seq" json:"seq"`
	SenderID       string    `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Before reports whether m sorts strictly before o in the conversation order
// (CreatedAt first, Seq as tie-break).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

// Validate checks a record loaded from storage before it is handed to callers.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("chat: message record without id")
	case m.ConversationID == "":
		return errors.New("chat: message record without conversation")
	case m.Seq <= 0:
		return errors.New("chat: message record without sequence")
	case m.SenderID == "":
		return errors.New("chat: message record without sender")
	case m.CreatedAt.IsZero():
		return errors.New("chat: message record without timestamp")
	}
	return nil
}

// NormalizeContent trims content and enforces the non-empty and maximum
// length rules. maxRunes <= 0 selects DefaultMaxContentLength.
func NormalizeContent(content string, maxRunes int) (string, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxContentLength
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrInvalidContent
	}
	if !utf8.ValidString(trimmed) || utf8.RuneCountInString(trimmed) > maxRunes {
		return "", ErrInvalidContent
	}
	return trimmed, nil
}
