package controller

import (
	"context"
	"net/http"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
)

type GetConversationController struct {
	UC *usecase.GetConversationUseCase
}

func NewGetConversationController(uc *usecase.GetConversationUseCase) *GetConversationController {
	return &GetConversationController{UC: uc}
}

func (h *GetConversationController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := identity.UserID(c)
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		conv, err := h.UC.Execute(ctx, usecase.GetConversationInput{
			ConversationID: c.Param("conversationId"),
			RequesterID:    userID,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toConversationResponse(conv, userID))
	}
}
