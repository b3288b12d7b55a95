package usecase

import (
	"context"
	"errors"
	"fmt"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
)

// ErrUnavailable indicates a storage, cache or queue failure inside a use case.
// It is transient: callers may retry.
var ErrUnavailable = errors.New("chat use case: backend unavailable")

// unavailable wraps an infrastructure failure. Domain errors pass through untouched
// so callers can still match them with errors.Is.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if passesThrough(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func passesThrough(err error) bool {
	return errors.Is(err, chat.ErrInvalidParticipants) ||
		errors.Is(err, chat.ErrNotParticipant) ||
		errors.Is(err, chat.ErrInvalidContent) ||
		errors.Is(err, chat.ErrConversationNotFound) ||
		errors.Is(err, context.Canceled)
}

// loadConversation fetches a conversation and checks that requester belongs to it.
func loadConversation(ctx context.Context, repo repository.ChatRepository, conversationID, requesterID string) (chat.Conversation, error) {
	if conversationID == "" {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	if requesterID == "" {
		return chat.Conversation{}, chat.ErrNotParticipant
	}
	conv, err := repo.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, unavailable(err)
	}
	if !conv.HasParticipant(requesterID) {
		return chat.Conversation{}, chat.ErrNotParticipant
	}
	return conv, nil
}
