package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cacheadapter "github.com/go-chatty/chatty-dm/internal/infrastructure/cache/adapter"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/database"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repoadapter "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/adapter"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) repository.ChatRepository {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repoadapter.NewSqliteChatRepository(db)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (p *recordingPublisher) Publish(_ context.Context, m chat.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.msgs...)
}

// brokenRepo fails every call that reaches storage.
type brokenRepo struct{ repository.ChatRepository }

var errStorageDown = errors.New("connection refused")

func (brokenRepo) FindConversationByPair(context.Context, chat.Pair) (chat.Conversation, error) {
	return chat.Conversation{}, errStorageDown
}

func (brokenRepo) GetConversation(context.Context, string) (chat.Conversation, error) {
	return chat.Conversation{}, errStorageDown
}

func resolve(t *testing.T, uc *ResolveConversationUseCase, a, b string) string {
	t.Helper()
	out, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: a, PeerID: b})
	require.NoError(t, err)
	return out.ConversationID
}

func TestResolveConversationConcurrentCallersAgree(t *testing.T) {
	repo := newRepo(t)
	uc := NewResolveConversationUseCase(repo, nil, nil)

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			out, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: a, PeerID: b})
			ids[i], errs[i] = out.ConversationID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	convs, err := repo.ListConversationsByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestResolveConversationRejectsSelf(t *testing.T) {
	uc := NewResolveConversationUseCase(newRepo(t), nil, nil)
	_, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: "u1", PeerID: "u1"})
	assert.ErrorIs(t, err, chat.ErrInvalidParticipants)
}

func TestResolveConversationUsesCache(t *testing.T) {
	cache := cacheadapter.NewMemoryCache()
	uc := NewResolveConversationUseCase(newRepo(t), cache, nil)

	out, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: "u2", PeerID: "u1"})
	require.NoError(t, err)
	assert.True(t, out.Created)

	cached, err := cache.Get(context.Background(), "pair:u1:u2")
	require.NoError(t, err)
	assert.Equal(t, out.ConversationID, cached)

	// served from cache even though storage is now gone
	uc.Repo = brokenRepo{}
	again, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: "u1", PeerID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, out.ConversationID, again.ConversationID)
	assert.False(t, again.Created)
}

func TestResolveConversationReportsUnavailable(t *testing.T) {
	uc := NewResolveConversationUseCase(brokenRepo{}, nil, nil)
	_, err := uc.Execute(context.Background(), ResolveConversationInput{UserID: "u1", PeerID: "u2"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSendMessageAndHistory(t *testing.T) {
	repo := newRepo(t)
	pub := &recordingPublisher{}
	resolver := NewResolveConversationUseCase(repo, nil, nil)
	send := NewSendMessageUseCase(repo, pub, 0, nil)
	history := NewGetHistoryUseCase(repo, 0)
	ctx := context.Background()

	conv := resolve(t, resolver, "u1", "u2")
	for _, content := range []string{"hi", "there"} {
		_, err := send.Execute(ctx, SendMessageInput{ConversationID: conv, SenderID: "u1", Content: content})
		require.NoError(t, err)
	}

	out, err := history.Execute(ctx, GetHistoryInput{ConversationID: conv, RequesterID: "u2", Limit: 10})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "hi", out.Messages[0].Content)
	assert.Equal(t, "there", out.Messages[1].Content)
	assert.True(t, out.Messages[0].Before(out.Messages[1]))
	assert.Equal(t, int64(2), out.Cursor)
	assert.False(t, out.HasMore)

	published := pub.all()
	require.Len(t, published, 2)
	assert.Equal(t, out.Messages, published)

	// paging from a cursor
	page, err := history.Execute(ctx, GetHistoryInput{ConversationID: conv, RequesterID: "u1", After: 0, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.HasMore)
	page, err = history.Execute(ctx, GetHistoryInput{ConversationID: conv, RequesterID: "u1", After: page.Cursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "there", page.Messages[0].Content)
}

func TestSendMessageFromNonParticipantIsForbidden(t *testing.T) {
	repo := newRepo(t)
	pub := &recordingPublisher{}
	conv := resolve(t, NewResolveConversationUseCase(repo, nil, nil), "u1", "u2")
	send := NewSendMessageUseCase(repo, pub, 0, nil)

	_, err := send.Execute(context.Background(), SendMessageInput{ConversationID: conv, SenderID: "u3", Content: "hello"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	msgs, err := repo.ListMessages(context.Background(), conv, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, pub.all())
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	repo := newRepo(t)
	conv := resolve(t, NewResolveConversationUseCase(repo, nil, nil), "u1", "u2")
	send := NewSendMessageUseCase(repo, nil, 5, nil)

	_, err := send.Execute(context.Background(), SendMessageInput{ConversationID: conv, SenderID: "u1", Content: "  \n "})
	assert.ErrorIs(t, err, chat.ErrInvalidContent)
	_, err = send.Execute(context.Background(), SendMessageInput{ConversationID: conv, SenderID: "u1", Content: "too long"})
	assert.ErrorIs(t, err, chat.ErrInvalidContent)

	msgs, err := repo.ListMessages(context.Background(), conv, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	send := NewSendMessageUseCase(newRepo(t), nil, 0, nil)
	_, err := send.Execute(context.Background(), SendMessageInput{ConversationID: "nope", SenderID: "u1", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
}

func TestSendMessageStorageDown(t *testing.T) {
	send := NewSendMessageUseCase(brokenRepo{}, nil, 0, nil)
	_, err := send.Execute(context.Background(), SendMessageInput{ConversationID: "c", SenderID: "u1", Content: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestConcurrentSendsPublishInStoreOrder(t *testing.T) {
	repo := newRepo(t)
	pub := &recordingPublisher{}
	conv := resolve(t, NewResolveConversationUseCase(repo, nil, nil), "u1", "u2")
	send := NewSendMessageUseCase(repo, pub, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "u1"
			if i%2 == 0 {
				sender = "u2"
			}
			_, err := send.Execute(context.Background(), SendMessageInput{ConversationID: conv, SenderID: sender, Content: "m"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	published := pub.all()
	require.Len(t, published, 20)
	for i, m := range published {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, 0, send.locks.size())
}

func TestHistoryRequiresMembership(t *testing.T) {
	repo := newRepo(t)
	conv := resolve(t, NewResolveConversationUseCase(repo, nil, nil), "u1", "u2")
	history := NewGetHistoryUseCase(repo, 0)

	_, err := history.Execute(context.Background(), GetHistoryInput{ConversationID: conv, RequesterID: "u3"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
	_, err = history.Execute(context.Background(), GetHistoryInput{ConversationID: "missing", RequesterID: "u1"})
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
}

func TestHistoryLimitClamp(t *testing.T) {
	uc := NewGetHistoryUseCase(nil, 20)
	assert.Equal(t, 20, uc.clamp(0))
	assert.Equal(t, 7, uc.clamp(7))
	assert.Equal(t, MaxHistoryLimit, uc.clamp(10_000))
	assert.Equal(t, DefaultHistoryLimit, NewGetHistoryUseCase(nil, 0).clamp(-1))
}

func TestGetAndListConversations(t *testing.T) {
	repo := newRepo(t)
	resolver := NewResolveConversationUseCase(repo, nil, nil)
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	resolver.Clock = func() time.Time { clock = clock.Add(time.Second); return clock }

	older := resolve(t, resolver, "u1", "u2")
	newer := resolve(t, resolver, "u3", "u1")

	list := NewListConversationsUseCase(repo)
	convs, err := list.Execute(context.Background(), ListConversationsInput{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer, convs[0].ID)
	assert.Equal(t, older, convs[1].ID)

	get := NewGetConversationUseCase(repo)
	conv, err := get.Execute(context.Background(), GetConversationInput{ConversationID: older, RequesterID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "u1", conv.Pair.Peer("u2"))
	_, err = get.Execute(context.Background(), GetConversationInput{ConversationID: older, RequesterID: "u3"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // other keys are independent

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Equal(t, 0, k.size())
}
