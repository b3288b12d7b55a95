package http

import (
	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/task"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/presentation/controller"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the application services the chat routes are built from.
// Enqueue may be nil when no queue is configured.
type Dependencies struct {
	Resolve       *usecase.ResolveConversationUseCase
	Conversations *usecase.GetConversationUseCase
	Inbox         *usecase.ListConversationsUseCase
	Send          *usecase.SendMessageUseCase
	History       *usecase.GetHistoryUseCase
	Enqueue       *task.EnqueueSendMessage
	Sessions      *session.Manager
	Identity      identity.Provider
	SendBuffer    int
	Logger        *zap.Logger
}

// RegisterRoutes registers chat-related HTTP endpoints under the given router group
// It constructs per-endpoint controllers and binds them directly to routes.
func RegisterRoutes(g *gin.RouterGroup, d Dependencies) {
	if d.Identity == nil {
		d.Identity = identity.NewHeaderProvider()
	}
	g.Use(identity.Middleware(d.Identity))

	resolveCtl := controller.NewResolveConversationController(d.Resolve)
	listCtl := controller.NewListConversationsController(d.Inbox)
	getCtl := controller.NewGetConversationController(d.Conversations)
	sendCtl := controller.NewSendMessageController(d.Send)
	queueCtl := controller.NewQueueMessageController(d.Enqueue)
	historyCtl := controller.NewGetHistoryController(d.History)
	socketCtl := controller.NewChatSocketController(d.Sessions, d.Send, d.SendBuffer, d.Logger)

	// POST /api/v1/conversations -> resolve the conversation with a peer
	g.POST("/conversations", resolveCtl.Handle())

	// GET /api/v1/conversations -> the caller's conversations, most recent first
	g.GET("/conversations", listCtl.Handle())

	// GET /api/v1/conversations/:conversationId -> one conversation
	g.GET("/conversations/:conversationId", getCtl.Handle())

	// POST /api/v1/conversations/:conversationId/messages -> send a message
	g.POST("/conversations/:conversationId/messages", sendCtl.Handle())

	// POST /api/v1/conversations/:conversationId/messages/queue -> send through the worker queue
	g.POST("/conversations/:conversationId/messages/queue", queueCtl.Handle())

	// GET /api/v1/conversations/:conversationId/messages -> history after a cursor
	g.GET("/conversations/:conversationId/messages", historyCtl.Handle())

	// GET /api/v1/ws -> websocket endpoint for realtime chat
	g.GET("/ws", socketCtl.Handle())
}
