package task

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/database"
	qport "github.com/go-chatty/chatty-dm/internal/infrastructure/queue/port"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"
	repoadapter "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/adapter"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	tasks []qport.Task
	opts  []qport.EnqueueOption
	err   error
}

func (c *fakeClient) Enqueue(_ context.Context, t qport.Task, opts ...qport.EnqueueOption) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.tasks = append(c.tasks, t)
	c.opts = append(c.opts, opts...)
	return "task-1", nil
}

func (c *fakeClient) Close() error { return nil }

func setup(t *testing.T) (repository.ChatRepository, string) {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repoadapter.NewSqliteChatRepository(db)

	out, err := usecase.NewResolveConversationUseCase(repo, nil, nil).Execute(context.Background(),
		usecase.ResolveConversationInput{UserID: "u1", PeerID: "u2"})
	require.NoError(t, err)
	return repo, out.ConversationID
}

func TestEnqueueThenHandleStoresMessage(t *testing.T) {
	repo, conv := setup(t)
	client := &fakeClient{}
	enqueue := NewEnqueueSendMessage(client, usecase.NewGetConversationUseCase(repo), 0)

	id, err := enqueue.Execute(context.Background(), usecase.SendMessageInput{ConversationID: conv, SenderID: "u1", Content: "  queued  "})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	require.Len(t, client.tasks, 1)
	assert.Equal(t, SendMessageTaskType, client.tasks[0].Type)
	assert.Equal(t, "chat", client.opts[0].Queue)

	var p SendMessageTaskPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload, &p))
	assert.Equal(t, "queued", p.Content)

	handler := NewSendMessageHandler(usecase.NewSendMessageUseCase(repo, nil, 0, nil), nil)
	require.NoError(t, handler(context.Background(), client.tasks[0]))

	msgs, err := repo.ListMessages(context.Background(), conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "queued", msgs[0].Content)
	assert.Equal(t, "u1", msgs[0].SenderID)
}

func TestEnqueueRejectsEagerly(t *testing.T) {
	repo, conv := setup(t)
	client := &fakeClient{}
	enqueue := NewEnqueueSendMessage(client, usecase.NewGetConversationUseCase(repo), 0)

	_, err := enqueue.Execute(context.Background(), usecase.SendMessageInput{ConversationID: conv, SenderID: "u1", Content: " "})
	assert.ErrorIs(t, err, chat.ErrInvalidContent)
	_, err = enqueue.Execute(context.Background(), usecase.SendMessageInput{ConversationID: conv, SenderID: "u9", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
	assert.Empty(t, client.tasks)

	client.err = errors.New("redis down")
	_, err = enqueue.Execute(context.Background(), usecase.SendMessageInput{ConversationID: conv, SenderID: "u1", Content: "x"})
	assert.ErrorIs(t, err, usecase.ErrUnavailable)
}

func TestHandlerSkipsRetryForRejectedMessages(t *testing.T) {
	repo, conv := setup(t)
	handler := NewSendMessageHandler(usecase.NewSendMessageUseCase(repo, nil, 0, nil), nil)

	err := handler(context.Background(), qport.Task{Type: SendMessageTaskType, Payload: []byte("{")})
	assert.ErrorIs(t, err, qport.ErrSkipRetry)

	payload, _ := json.Marshal(SendMessageTaskPayload{ConversationID: conv, SenderID: "u9", Content: "x"})
	err = handler(context.Background(), qport.Task{Type: SendMessageTaskType, Payload: payload})
	assert.ErrorIs(t, err, qport.ErrSkipRetry)

	msgs, err := repo.ListMessages(context.Background(), conv, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
