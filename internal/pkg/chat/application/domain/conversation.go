package chat

import (
	"errors"
	"strings"
	"time"
)

// Pair is the canonical, ordered form of an unordered pair of user ids.
// Low is always lexicographically smaller than High, so (a,b) and (b,a)
// produce the same Pair and collide on the storage uniqueness constraint.
type Pair struct {
	Low  string
	High string
}

// NewPair canonicalizes {a, b}. Self-pairs and blank ids are rejected.
func NewPair(a, b string) (Pair, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return Pair{}, ErrInvalidParticipants
	}
	if b < a {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Has reports whether userID is one of the two participants.
func (p Pair) Has(userID string) bool {
	return userID != "" && (userID == p.Low || userID == p.High)
}

// Peer returns the other participant, or "" when userID is not a member.
func (p Pair) Peer(userID string) string {
	switch userID {
	case p.Low:
		return p.High
	case p.High:
		return p.Low
	default:
		return ""
	}
}

// Conversation represents the unique 1:1 thread between two users.
// The participant pair is fixed at creation; UpdatedAt and LastSeq only move forward.
type Conversation struct {
	ID        string    `db:"id"`
	Pair      Pair      `db:"-"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	LastSeq   int64     `db:"last_seq"`
}

// HasParticipant tells whether userID is part of this conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	if c == nil {
		return false
	}
	return c.Pair.Has(userID)
}

// Participants returns both user ids in canonical order.
func (c *Conversation) Participants() []string {
	return []string{c.Pair.Low, c.Pair.High}
}

// Validate checks a record loaded from storage before it is handed to callers.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("chat: conversation record without id")
	}
	if c.Pair.Low == "" || c.Pair.High == "" || c.Pair.Low >= c.Pair.High {
		return errors.New("chat: conversation record with non-canonical participants")
	}
	if c.LastSeq < 0 {
		return errors.New("chat: conversation record with negative sequence")
	}
	if c.CreatedAt.IsZero() || c.UpdatedAt.Before(c.CreatedAt) {
		return errors.New("chat: conversation record with invalid timestamps")
	}
	return nil
}
