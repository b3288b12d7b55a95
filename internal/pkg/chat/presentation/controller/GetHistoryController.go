package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

// GetHistoryController pages through a conversation in send order. after is
// the seq of the last message the client has; the response cursor feeds the
// next page.
type GetHistoryController struct {
	UC *usecase.GetHistoryUseCase
}

func NewGetHistoryController(uc *usecase.GetHistoryUseCase) *GetHistoryController {
	return &GetHistoryController{UC: uc}
}

func (h *GetHistoryController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			after int64
			limit int
		)
		if v := c.Query("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative sequence number", "code": "bad_request"})
				return
			}
			after = n
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "code": "bad_request"})
				return
			}
			limit = n
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		out, err := h.UC.Execute(ctx, usecase.GetHistoryInput{
			ConversationID: c.Param("conversationId"),
			RequesterID:    identity.UserID(c),
			After:          after,
			Limit:          limit,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		if out.Messages == nil {
			out.Messages = []chat.Message{}
		}
		c.JSON(http.StatusOK, gin.H{
			"messages": out.Messages,
			"cursor":   out.Cursor,
			"has_more": out.HasMore,
			"count":    len(out.Messages),
		})
	}
}
