package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	qport "github.com/go-chatty/chatty-dm/internal/infrastructure/queue/port"
	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"go.uber.org/zap"
)

// SendMessageTaskType is the queue task name for a queued send.
const SendMessageTaskType = "chat:send_message"

const (
	sendMessageQueue    = "chat"
	sendMessageMaxRetry = 20
	sendMessageTimeout  = 10 * time.Second
)

// SendMessageTaskPayload is the JSON payload transported via the queue.
// Kept decoupled from domain types so the wire format does not follow them.
type SendMessageTaskPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

// EnqueueSendMessage validates a send up front and queues it for a worker.
// Invalid content and non-participants are rejected here; everything else is
// decided by the worker.
type EnqueueSendMessage struct {
	Client           qport.Client
	Conversations    *usecase.GetConversationUseCase
	MaxContentLength int
}

func NewEnqueueSendMessage(client qport.Client, conversations *usecase.GetConversationUseCase, maxContentLength int) *EnqueueSendMessage {
	return &EnqueueSendMessage{Client: client, Conversations: conversations, MaxContentLength: maxContentLength}
}

// Execute returns the queue task id.
func (e *EnqueueSendMessage) Execute(ctx context.Context, in usecase.SendMessageInput) (string, error) {
	content, err := chat.NormalizeContent(in.Content, e.MaxContentLength)
	if err != nil {
		return "", err
	}
	if e.Conversations != nil {
		if _, err := e.Conversations.Execute(ctx, usecase.GetConversationInput{
			ConversationID: in.ConversationID,
			RequesterID:    in.SenderID,
		}); err != nil {
			return "", err
		}
	}

	b, err := json.Marshal(SendMessageTaskPayload{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
	})
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	id, err := e.Client.Enqueue(ctx,
		qport.Task{Type: SendMessageTaskType, Payload: b},
		qport.EnqueueOption{Queue: sendMessageQueue, MaxRetry: sendMessageMaxRetry},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", usecase.ErrUnavailable, err)
	}
	return id, nil
}

// RegisterSendMessageTask binds the handler that runs queued sends through uc.
func RegisterSendMessageTask(srv qport.Server, uc *usecase.SendMessageUseCase, log *zap.Logger) {
	srv.Register(SendMessageTaskType, NewSendMessageHandler(uc, log))
}

// NewSendMessageHandler decodes a queued send and executes it. Only storage
// failures are retried.
func NewSendMessageHandler(uc *usecase.SendMessageUseCase, log *zap.Logger) qport.Handler {
	log = logger.OrNop(log)
	return func(ctx context.Context, t qport.Task) error {
		var p SendMessageTaskPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode payload: %v", qport.ErrSkipRetry, err)
		}

		ctx, cancel := context.WithTimeout(ctx, sendMessageTimeout)
		defer cancel()

		msg, err := uc.Execute(ctx, usecase.SendMessageInput{
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Content:        p.Content,
		})
		if err != nil {
			if errors.Is(err, usecase.ErrUnavailable) {
				return err
			}
			log.Warn("queued message rejected",
				zap.String("conversation_id", p.ConversationID),
				zap.String("sender_id", p.SenderID),
				zap.Error(err))
			return fmt.Errorf("%w: %v", qport.ErrSkipRetry, err)
		}
		log.Debug("queued message stored",
			zap.String("conversation_id", msg.ConversationID),
			zap.Int64("seq", msg.Seq))
		return nil
	}
}
