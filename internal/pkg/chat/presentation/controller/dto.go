package controller

import (
	"time"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
)

type conversationResponse struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	PeerID       string    `json:"peer_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeq      int64     `json:"last_seq"`
}

// toConversationResponse renders conv as seen by viewer.
func toConversationResponse(conv chat.Conversation, viewer string) conversationResponse {
	return conversationResponse{
		ID:           conv.ID,
		Participants: conv.Participants(),
		PeerID:       conv.Pair.Peer(viewer),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		LastSeq:      conv.LastSeq,
	}
}
