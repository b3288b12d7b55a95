package controller

import (
	"context"
	"net/http"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

// ResolveConversationController returns the direct conversation between the
// caller and a peer, creating it on first contact.
type ResolveConversationController struct {
	UC *usecase.ResolveConversationUseCase
}

func NewResolveConversationController(uc *usecase.ResolveConversationUseCase) *ResolveConversationController {
	return &ResolveConversationController{UC: uc}
}

type resolveConversationRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

func (h *ResolveConversationController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		out, err := h.UC.Execute(ctx, usecase.ResolveConversationInput{
			UserID: identity.UserID(c),
			PeerID: req.PeerID,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		status := http.StatusOK
		if out.Created {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{
			"conversation_id": out.ConversationID,
			"created":         out.Created,
		})
	}
}
