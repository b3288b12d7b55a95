package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

// ListConversationsController serves the caller's inbox, most recent first.
type ListConversationsController struct {
	UC *usecase.ListConversationsUseCase
}

func NewListConversationsController(uc *usecase.ListConversationsUseCase) *ListConversationsController {
	return &ListConversationsController{UC: uc}
}

func (h *ListConversationsController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "code": "bad_request"})
				return
			}
			limit = n
		}

		userID := identity.UserID(c)
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		convs, err := h.UC.Execute(ctx, usecase.ListConversationsInput{UserID: userID, Limit: limit})
		if err != nil {
			respondError(c, err)
			return
		}

		out := make([]conversationResponse, 0, len(convs))
		for _, conv := range convs {
			out = append(out, toConversationResponse(conv, userID))
		}
		c.JSON(http.StatusOK, gin.H{
			"conversations": out,
			"count":         len(out),
		})
	}
}
