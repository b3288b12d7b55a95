package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPairIsSymmetric(t *testing.T) {
	ab, err := NewPair("bob", "alice")
	require.NoError(t, err)
	ba, err := NewPair("alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Equal(t, "alice", ab.Low)
	assert.Equal(t, "bob", ab.High)
	assert.Equal(t, "bob", ab.Peer("alice"))
	assert.Equal(t, "", ab.Peer("carol"))
	assert.True(t, ab.Has("bob"))
	assert.False(t, ab.Has(""))
}

func TestNewPairRejectsSelfAndBlank(t *testing.T) {
	_, err := NewPair("u1", "u1")
	assert.ErrorIs(t, err, ErrInvalidParticipants)
	_, err = NewPair(" u1", "u1 ")
	assert.ErrorIs(t, err, ErrInvalidParticipants)
	_, err = NewPair("", "u1")
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestNormalizeContent(t *testing.T) {
	got, err := NormalizeContent("  hi  ", 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	_, err = NormalizeContent(" \n\t ", 0)
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = NormalizeContent(strings.Repeat("é", 11), 10)
	assert.ErrorIs(t, err, ErrInvalidContent)

	got, err = NormalizeContent(strings.Repeat("é", 10), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, len([]rune(got)))
}

func TestMessageOrder(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Message{Seq: 1, CreatedAt: ts}
	b := Message{Seq: 2, CreatedAt: ts}
	c := Message{Seq: 3, CreatedAt: ts.Add(time.Millisecond)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.False(t, a.Before(a))
}

func TestRecordValidation(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := Conversation{ID: "c", Pair: Pair{Low: "a", High: "b"}, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, conv.Validate())

	bad := conv
	bad.Pair = Pair{Low: "b", High: "a"}
	assert.Error(t, bad.Validate())

	bad = conv
	bad.UpdatedAt = ts.Add(-time.Second)
	assert.Error(t, bad.Validate())

	msg := Message{ID: "m", ConversationID: "c", Seq: 1, SenderID: "a", Content: "x", CreatedAt: ts}
	require.NoError(t, msg.Validate())
	msg.Seq = 0
	assert.Error(t, msg.Validate())
}
