package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/database"
	qport "github.com/go-chatty/chatty-dm/internal/infrastructure/queue/port"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/task"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"
	repoAdapter "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/adapter"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
	chathttp "github.com/go-chatty/chatty-dm/internal/pkg/chat/presentation/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	tasks []qport.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t qport.Task, _ ...qport.EnqueueOption) (string, error) {
	q.tasks = append(q.tasks, t)
	return "task-42", nil
}

func (q *fakeQueue) Close() error { return nil }

// downRepo fails every conversation lookup.
type downRepo struct {
	repository.ChatRepository
}

func (downRepo) GetConversation(context.Context, string) (chat.Conversation, error) {
	return chat.Conversation{}, errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

type testEnv struct {
	engine   *gin.Engine
	repo     repository.ChatRepository
	sessions *session.Manager
	queue    *fakeQueue
}

func newTestEnv(t *testing.T, withQueue bool, wrap func(repository.ChatRepository) repository.ChatRepository) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	var repo repository.ChatRepository = repoAdapter.NewSqliteChatRepository(db)
	if wrap != nil {
		repo = wrap(repo)
	}

	bus := realtime.NewBus(realtime.BusOptions{QueueSize: 64})
	t.Cleanup(bus.Close)

	conversations := usecase.NewGetConversationUseCase(repo)
	resolve := usecase.NewResolveConversationUseCase(repo, nil, nil)
	history := usecase.NewGetHistoryUseCase(repo, 0)
	sessions := session.NewManager(session.Services{
		Resolver:      resolve,
		Conversations: conversations,
		History:       history,
		Bus:           bus,
	}, session.Options{RetryInterval: time.Millisecond})
	t.Cleanup(sessions.Shutdown)

	e := &testEnv{repo: repo, sessions: sessions}
	var enqueue *task.EnqueueSendMessage
	if withQueue {
		e.queue = &fakeQueue{}
		enqueue = task.NewEnqueueSendMessage(e.queue, conversations, 0)
	}

	e.engine = gin.New()
	chathttp.RegisterRoutes(e.engine.Group("/api/v1"), chathttp.Dependencies{
		Resolve:       resolve,
		Conversations: conversations,
		Inbox:         usecase.NewListConversationsUseCase(repo),
		Send:          usecase.NewSendMessageUseCase(repo, realtime.NewFanout(bus, nil), 0, nil),
		History:       history,
		Enqueue:       enqueue,
		Sessions:      sessions,
	})
	return e
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *testEnv) resolve(t *testing.T, userID, peerID string) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/v1/conversations", userID, gin.H{"peer_id": peerID})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, code)
	return out["conversation_id"].(string)
}

func TestResolveConversationRoute(t *testing.T) {
	e := newTestEnv(t, false, nil)

	code, first := e.do(t, http.MethodPost, "/api/v1/conversations", "u1", gin.H{"peer_id": "u2"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, first["created"])

	code, second := e.do(t, http.MethodPost, "/api/v1/conversations", "u2", gin.H{"peer_id": "u1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["conversation_id"], second["conversation_id"])

	code, out := e.do(t, http.MethodPost, "/api/v1/conversations", "u1", gin.H{"peer_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_participants", out["code"])

	code, _ = e.do(t, http.MethodPost, "/api/v1/conversations", "u1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, http.MethodPost, "/api/v1/conversations", "", gin.H{"peer_id": "u2"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", out["code"])
}

func TestSendAndHistoryRoutes(t *testing.T) {
	e := newTestEnv(t, false, nil)
	conv := e.resolve(t, "u1", "u2")
	base := "/api/v1/conversations/" + conv + "/messages"

	for i, content := range []string{"one", "two", "three"} {
		code, out := e.do(t, http.MethodPost, base, "u1", gin.H{"content": content})
		require.Equal(t, http.StatusCreated, code)
		assert.EqualValues(t, i+1, out["seq"])
		assert.Equal(t, "u1", out["sender_id"])
	}

	code, page := e.do(t, http.MethodGet, base+"?limit=2", "u2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, page["count"])
	assert.EqualValues(t, 2, page["cursor"])
	assert.Equal(t, true, page["has_more"])

	code, page = e.do(t, http.MethodGet, base+"?after=2", "u2", nil)
	require.Equal(t, http.StatusOK, code)
	msgs := page["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "three", msgs[0].(map[string]any)["content"])
	assert.Equal(t, false, page["has_more"])

	code, page = e.do(t, http.MethodGet, base+"?after=3", "u2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, page["messages"])
	assert.NotNil(t, page["messages"])

	code, _ = e.do(t, http.MethodGet, base+"?after=-1", "u2", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodGet, base+"?limit=many", "u2", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendRouteRejections(t *testing.T) {
	e := newTestEnv(t, false, nil)
	conv := e.resolve(t, "u1", "u2")
	base := "/api/v1/conversations/" + conv + "/messages"

	code, out := e.do(t, http.MethodPost, base, "u3", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", out["code"])

	code, out = e.do(t, http.MethodPost, base, "u1", gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_content", out["code"])

	code, out = e.do(t, http.MethodPost, "/api/v1/conversations/00000000-0000-0000-0000-000000000000/messages", "u1", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out["code"])

	code, _ = e.do(t, http.MethodGet, base, "u3", nil)
	assert.Equal(t, http.StatusForbidden, code)

	msgs, err := e.repo.ListMessages(context.Background(), conv, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConversationRoutes(t *testing.T) {
	e := newTestEnv(t, false, nil)
	older := e.resolve(t, "u1", "u2")
	newer := e.resolve(t, "u1", "u3")
	code, _ := e.do(t, http.MethodPost, "/api/v1/conversations/"+older+"/messages", "u2", gin.H{"content": "bump"})
	require.Equal(t, http.StatusCreated, code)

	code, out := e.do(t, http.MethodGet, "/api/v1/conversations", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, out["count"])
	convs := out["conversations"].([]any)
	assert.Equal(t, older, convs[0].(map[string]any)["id"])
	assert.Equal(t, newer, convs[1].(map[string]any)["id"])

	code, out = e.do(t, http.MethodGet, "/api/v1/conversations/"+older, "u2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u1", out["peer_id"])
	assert.EqualValues(t, 1, out["last_seq"])

	code, _ = e.do(t, http.MethodGet, "/api/v1/conversations/"+newer, "u2", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodGet, "/api/v1/conversations?limit=x", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueueRoute(t *testing.T) {
	disabled := newTestEnv(t, false, nil)
	conv := disabled.resolve(t, "u1", "u2")
	code, out := disabled.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages/queue", "u1", gin.H{"content": "later"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", out["code"])

	e := newTestEnv(t, true, nil)
	conv = e.resolve(t, "u1", "u2")
	code, out = e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages/queue", "u1", gin.H{"content": "later"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "task-42", out["task_id"])
	require.Len(t, e.queue.tasks, 1)
	assert.Equal(t, task.SendMessageTaskType, e.queue.tasks[0].Type)

	code, _ = e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages/queue", "u3", gin.H{"content": "later"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Len(t, e.queue.tasks, 1)
}

func TestStorageOutageIsUnavailable(t *testing.T) {
	e := newTestEnv(t, false, func(r repository.ChatRepository) repository.ChatRepository { return downRepo{r} })

	code, out := e.do(t, http.MethodGet, "/api/v1/conversations/c1", "u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", out["code"])
	assert.NotContains(t, out["error"], "10.0.0.7")
}

// wsFrame is the union of the outbound websocket frames.
type wsFrame struct {
	Type           string       `json:"type"`
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	State          string       `json:"state"`
	Cursor         int64        `json:"cursor"`
	Code           string       `json:"code"`
	Error          string       `json:"error"`
	Message        chat.Message `json:"message"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

// readUntil reads frames until one of type kind arrives and returns it along
// with the frames read before it.
func readUntil(t *testing.T, ws *websocket.Conn, kind string) (wsFrame, []wsFrame) {
	t.Helper()
	var skipped []wsFrame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f wsFrame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == kind {
			return f, skipped
		}
		skipped = append(skipped, f)
	}
}

func messageFrames(frames []wsFrame) []wsFrame {
	var out []wsFrame
	for _, f := range frames {
		if f.Type == "message" {
			out = append(out, f)
		}
	}
	return out
}

func TestSocketReconnectReplaysMissedMessages(t *testing.T) {
	e := newTestEnv(t, false, nil)
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)

	ws := dial(t, srv, "user_id=u2")
	connected, _ := readUntil(t, ws, "connected")
	sessionID := connected.SessionID
	require.NotEmpty(t, sessionID)

	send(t, ws, gin.H{"type": "open", "peer_id": "u1"})
	opened, _ := readUntil(t, ws, "opened")
	conv := opened.ConversationID
	assert.Equal(t, string(session.StateActive), opened.State)
	assert.EqualValues(t, 0, opened.Cursor)

	code, _ := e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages", "u1", gin.H{"content": "ping"})
	require.Equal(t, http.StatusCreated, code)
	got, _ := readUntil(t, ws, "message")
	assert.Equal(t, "ping", got.Message.Content)
	assert.EqualValues(t, 1, got.Message.Seq)

	// drop the network without a close handshake
	require.NoError(t, ws.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		s, ok := e.sessions.Get(sessionID)
		if !ok {
			return false
		}
		st, ok := s.Status(conv)
		return ok && st.State == session.StateSuspended
	}, 3*time.Second, 10*time.Millisecond)

	code, _ = e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages", "u1", gin.H{"content": "pong"})
	require.Equal(t, http.StatusCreated, code)

	back := dial(t, srv, "user_id=u2&session_id="+sessionID)
	connected, _ = readUntil(t, back, "connected")
	assert.Equal(t, sessionID, connected.SessionID)
	replayed, before := readUntil(t, back, "message")
	assert.Empty(t, messageFrames(before))
	assert.Equal(t, "pong", replayed.Message.Content)
	assert.EqualValues(t, 2, replayed.Message.Seq)

	// the pairing is live again
	code, _ = e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages", "u1", gin.H{"content": "again"})
	require.Equal(t, http.StatusCreated, code)
	live, before := readUntil(t, back, "message")
	assert.Empty(t, messageFrames(before))
	assert.EqualValues(t, 3, live.Message.Seq)
}

func TestSocketFrames(t *testing.T) {
	e := newTestEnv(t, false, nil)
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)
	other := e.resolve(t, "u1", "u3")

	ws := dial(t, srv, "user_id=u2")
	readUntil(t, ws, "connected")

	send(t, ws, gin.H{"type": "open", "peer_id": "u1"})
	opened, _ := readUntil(t, ws, "opened")
	conv := opened.ConversationID

	send(t, ws, gin.H{"type": "message", "conversation_id": conv, "content": " hello "})
	sent, _ := readUntil(t, ws, "sent")
	assert.Equal(t, "hello", sent.Message.Content)
	assert.Equal(t, "u2", sent.Message.SenderID)

	send(t, ws, gin.H{"type": "subscribe", "conversation_id": other})
	failed, _ := readUntil(t, ws, "error")
	assert.Equal(t, "forbidden", failed.Code)

	send(t, ws, gin.H{"type": "message", "conversation_id": conv, "content": ""})
	failed, _ = readUntil(t, ws, "error")
	assert.Equal(t, "invalid_content", failed.Code)

	send(t, ws, gin.H{"type": "dance"})
	failed, _ = readUntil(t, ws, "error")
	assert.Equal(t, "unsupported_type", failed.Code)

	send(t, ws, gin.H{"type": "close", "conversation_id": conv})
	closed, _ := readUntil(t, ws, "closed")
	assert.Equal(t, conv, closed.ConversationID)

	send(t, ws, gin.H{"type": "close", "conversation_id": conv})
	failed, _ = readUntil(t, ws, "error")
	assert.Equal(t, "not_subscribed", failed.Code)

	send(t, ws, gin.H{"type": "end"})
	readUntil(t, ws, "ended")
	assert.Eventually(t, func() bool { return e.sessions.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSocketSubscribeFromCursor(t *testing.T) {
	e := newTestEnv(t, false, nil)
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)
	conv := e.resolve(t, "u1", "u2")
	for _, content := range []string{"a", "b", "c"} {
		code, _ := e.do(t, http.MethodPost, "/api/v1/conversations/"+conv+"/messages", "u1", gin.H{"content": content})
		require.Equal(t, http.StatusCreated, code)
	}

	ws := dial(t, srv, "user_id=u2")
	readUntil(t, ws, "connected")
	send(t, ws, gin.H{"type": "subscribe", "conversation_id": conv, "after": 1})
	opened, before := readUntil(t, ws, "opened")
	assert.EqualValues(t, 3, opened.Cursor)

	var seqs []int64
	for _, f := range messageFrames(before) {
		seqs = append(seqs, f.Message.Seq)
	}
	assert.Equal(t, []int64{2, 3}, seqs)
}

func TestSocketResumeReplacesLiveConnection(t *testing.T) {
	e := newTestEnv(t, false, nil)
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)

	first := dial(t, srv, "user_id=u2")
	connected, _ := readUntil(t, first, "connected")

	second := dial(t, srv, "user_id=u2&session_id="+connected.SessionID)
	again, _ := readUntil(t, second, "connected")
	assert.Equal(t, connected.SessionID, again.SessionID)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for err == nil {
		_, _, err = first.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, realtime.CloseSessionReplaced), err.Error())

	// another user cannot take the session over
	intruder := dial(t, srv, "user_id=u9&session_id="+connected.SessionID)
	failed, _ := readUntil(t, intruder, "error")
	assert.Equal(t, "session_not_found", failed.Code)
	fresh, _ := readUntil(t, intruder, "connected")
	assert.NotEqual(t, connected.SessionID, fresh.SessionID)
}
