package controller

import (
	"context"
	"net/http"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/task"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

// QueueMessageController hands a message to the worker queue. The message is
// reported as queued; it reaches subscribers once a worker has stored it.
type QueueMessageController struct {
	Enqueue *task.EnqueueSendMessage
}

// NewQueueMessageController accepts a nil enqueuer when no queue is
// configured; the endpoint then answers 503.
func NewQueueMessageController(enqueue *task.EnqueueSendMessage) *QueueMessageController {
	return &QueueMessageController{Enqueue: enqueue}
}

func (h *QueueMessageController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Enqueue == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message queue is not configured", "code": "unavailable"})
			return
		}
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}

		conversationID := c.Param("conversationId")
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		id, err := h.Enqueue.Execute(ctx, usecase.SendMessageInput{
			ConversationID: conversationID,
			SenderID:       identity.UserID(c),
			Content:        req.Content,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":          "queued",
			"task_id":         id,
			"conversation_id": conversationID,
		})
	}
}
