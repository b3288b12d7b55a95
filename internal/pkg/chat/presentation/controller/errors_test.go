package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{chat.ErrInvalidParticipants, http.StatusBadRequest, "invalid_participants"},
		{chat.ErrInvalidContent, http.StatusBadRequest, "invalid_content"},
		{chat.ErrNotParticipant, http.StatusForbidden, "forbidden"},
		{chat.ErrConversationNotFound, http.StatusNotFound, "not_found"},
		{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{session.ErrNotSubscribed, http.StatusBadRequest, "not_subscribed"},
		{fmt.Errorf("%w: connection refused", usecase.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("anything else"), http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
