package chat

import "errors"

// Domain-level errors for chat behaviors
var (
	ErrInvalidParticipants  = errors.New("chat: a conversation needs two distinct participants")
	ErrNotParticipant       = errors.New("chat: user is not a participant in the conversation")
	ErrInvalidContent       = errors.New("chat: message content is empty or too long")
	ErrConversationNotFound = errors.New("chat: conversation not found")
)
