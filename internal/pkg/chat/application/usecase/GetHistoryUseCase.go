package usecase

import (
	"context"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// GetHistoryInput pages through a conversation. After is the seq of the last
// message already seen, 0 for the beginning.
type GetHistoryInput struct {
	ConversationID string
	RequesterID    string
	After          int64
	Limit          int
}

type GetHistoryOutput struct {
	Messages []chat.Message
	// Cursor is the seq to pass as After for the next page.
	Cursor  int64
	HasMore bool
}

// GetHistoryUseCase returns messages of a conversation in ascending order.
type GetHistoryUseCase struct {
	Repo         repository.ChatRepository
	DefaultLimit int
}

func NewGetHistoryUseCase(repo repository.ChatRepository, defaultLimit int) *GetHistoryUseCase {
	return &GetHistoryUseCase{Repo: repo, DefaultLimit: defaultLimit}
}

func (uc *GetHistoryUseCase) Execute(ctx context.Context, in GetHistoryInput) (GetHistoryOutput, error) {
	conv, err := loadConversation(ctx, uc.Repo, in.ConversationID, in.RequesterID)
	if err != nil {
		return GetHistoryOutput{}, err
	}

	after := in.After
	if after < 0 {
		after = 0
	}
	limit := uc.clamp(in.Limit)

	msgs, err := uc.Repo.ListMessages(ctx, in.ConversationID, after, limit)
	if err != nil {
		return GetHistoryOutput{}, unavailable(err)
	}
	out := GetHistoryOutput{Messages: msgs, Cursor: after}
	if n := len(msgs); n > 0 {
		out.Cursor = msgs[n-1].Seq
	}
	out.HasMore = out.Cursor < conv.LastSeq
	return out, nil
}

func (uc *GetHistoryUseCase) clamp(limit int) int {
	def := uc.DefaultLimit
	if def <= 0 || def > MaxHistoryLimit {
		def = DefaultHistoryLimit
	}
	switch {
	case limit <= 0:
		return def
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
