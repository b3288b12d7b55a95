package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher hands a stored message to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg chat.Message)
}

// SendMessageInput carries the data needed to send a new message.
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
}

// SendMessageUseCase appends a message to a conversation and publishes the stored record.
// Appends and publishes for one conversation are serialized in this process, so the
// local bus sees messages in store order.
type SendMessageUseCase struct {
	Repo             repository.ChatRepository
	Publisher        Publisher
	MaxContentLength int
	Clock            func() time.Time
	Log              *zap.Logger

	locks *keyedMutex
}

// NewSendMessageUseCase builds the use case. publisher may be nil, in which
// case messages are only stored.
func NewSendMessageUseCase(repo repository.ChatRepository, publisher Publisher, maxContentLength int, log *zap.Logger) *SendMessageUseCase {
	return &SendMessageUseCase{
		Repo:             repo,
		Publisher:        publisher,
		MaxContentLength: maxContentLength,
		Clock:            time.Now,
		Log:              logger.OrNop(log),
		locks:            newKeyedMutex(),
	}
}

// Execute validates, persists and publishes a message. The returned message is
// the canonical stored record. A returned error means nothing was stored.
func (uc *SendMessageUseCase) Execute(ctx context.Context, in SendMessageInput) (chat.Message, error) {
	content, err := chat.NormalizeContent(in.Content, uc.MaxContentLength)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := loadConversation(ctx, uc.Repo, in.ConversationID, in.SenderID); err != nil {
		return chat.Message{}, err
	}

	unlock := uc.locks.Lock(in.ConversationID)
	defer unlock()

	msg, err := uc.Repo.AppendMessage(ctx, chat.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		CreatedAt:      uc.Clock(), // raised to the conversation head by the store if the clock went back
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return chat.Message{}, chat.ErrConversationNotFound
	case err != nil:
		return chat.Message{}, unavailable(err)
	}

	uc.Log.Debug("message stored",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.Int64("seq", msg.Seq))

	if uc.Publisher != nil {
		uc.Publisher.Publish(ctx, msg)
	}
	return msg, nil
}
