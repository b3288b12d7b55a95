package usecase

import (
	"context"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
)

type GetConversationInput struct {
	ConversationID string
	RequesterID    string
}

// GetConversationUseCase returns a conversation to one of its participants.
type GetConversationUseCase struct {
	Repo repository.ChatRepository
}

func NewGetConversationUseCase(repo repository.ChatRepository) *GetConversationUseCase {
	return &GetConversationUseCase{Repo: repo}
}

func (uc *GetConversationUseCase) Execute(ctx context.Context, in GetConversationInput) (chat.Conversation, error) {
	return loadConversation(ctx, uc.Repo, in.ConversationID, in.RequesterID)
}
