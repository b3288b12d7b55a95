package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

// requestTimeout bounds the storage work of one HTTP request.
const requestTimeout = 3 * time.Second

// classify maps an application error to an HTTP status and a stable code
// shared with websocket error frames.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrInvalidParticipants):
		return http.StatusBadRequest, "invalid_participants"
	case errors.Is(err, chat.ErrInvalidContent):
		return http.StatusBadRequest, "invalid_content"
	case errors.Is(err, chat.ErrNotParticipant):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrNotSubscribed):
		return http.StatusBadRequest, "not_subscribed"
	case errors.Is(err, usecase.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusBadRequest, "bad_request"
	}
}

// respondError writes the error body. Unavailable errors hide their cause.
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		_ = c.Error(err)
		msg = "service temporarily unavailable"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
