package usecase

import (
	"context"
	"errors"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
)

type ListConversationsInput struct {
	UserID string
	Limit  int
}

// ListConversationsUseCase returns the inbox of a user, most recently active first.
type ListConversationsUseCase struct {
	Repo repository.ChatRepository
}

func NewListConversationsUseCase(repo repository.ChatRepository) *ListConversationsUseCase {
	return &ListConversationsUseCase{Repo: repo}
}

func (uc *ListConversationsUseCase) Execute(ctx context.Context, in ListConversationsInput) ([]chat.Conversation, error) {
	if in.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	convs, err := uc.Repo.ListConversationsByUser(ctx, in.UserID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return convs, nil
}
