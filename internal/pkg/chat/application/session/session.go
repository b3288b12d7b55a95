package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionClosed   = errors.New("session: closed")
	ErrNotSubscribed   = errors.New("session: conversation is not subscribed")
	// ErrDegraded is reported when backfill kept failing; the pairing keeps
	// its last good cursor and retries on the next live message or reconnect.
	ErrDegraded = errors.New("session: backfill failed")
)

// Status is the externally visible state of one conversation in a session.
type Status struct {
	ConversationID string `json:"conversation_id"`
	State          State  `json:"state"`
	// Cursor is the seq of the last message handed to the client.
	Cursor int64 `json:"cursor"`
	Err    error `json:"-"`
}

// Handlers are the client callbacks of a session. Message returning an error
// means the client did not get the message; its cursor is not advanced.
type Handlers struct {
	Message func(chat.Message) error
	Status  func(Status)
	// Replaced runs when another connection attaches to the same session.
	Replaced func()
}

type lifecycle int

const (
	attached lifecycle = iota
	suspended
	closed
)

// Session tracks the conversation subscriptions of one connected client.
// Each subscribed conversation is a pairing with its own cursor and state
// machine; see pairing.go.
type Session struct {
	id     string
	userID string
	m      *Manager

	// lifecycleMu serializes Attach, Suspend, Detach and Close.
	lifecycleMu sync.Mutex

	mu         sync.Mutex
	state      lifecycle
	pairings   map[string]*pairing
	attachment uint64
	suspendGen uint64
	ctx        context.Context
	cancel     context.CancelFunc

	hmu      sync.RWMutex
	handlers Handlers
}

func newSession(m *Manager, id, userID string, h Handlers) *Session {
	s := &Session{
		id:         id,
		userID:     userID,
		m:          m,
		pairings:   make(map[string]*pairing),
		attachment: 1,
		handlers:   h,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() string { return s.userID }

// Attachment identifies the current connection of the session. Detach with a
// stale attachment is a no-op.
func (s *Session) Attachment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachment
}

// OpenConversation resolves the direct conversation with peerID and subscribes
// to it from its current head. The app loads older messages with GetHistory.
func (s *Session) OpenConversation(ctx context.Context, peerID string) (Status, error) {
	out, err := s.m.svc.Resolver.Execute(ctx, usecase.ResolveConversationInput{UserID: s.userID, PeerID: peerID})
	if err != nil {
		return Status{}, err
	}
	return s.Subscribe(ctx, out.ConversationID, -1)
}

// Subscribe starts live delivery for conversationID. Messages after the seq
// given in after are delivered first through backfill; a negative after starts
// at the conversation head. Subscribing again rewinds the cursor when after is
// behind it, and is otherwise a no-op.
func (s *Session) Subscribe(ctx context.Context, conversationID string, after int64) (Status, error) {
	s.mu.Lock()
	if s.state == closed {
		s.mu.Unlock()
		return Status{}, ErrSessionClosed
	}
	p, exists := s.pairings[conversationID]
	if !exists {
		p = newPairing(s, conversationID)
		s.pairings[conversationID] = p
	}
	live := s.state == attached
	s.mu.Unlock()

	var (
		st  Status
		err error
	)
	if exists {
		st, err = p.rewind(after)
	} else {
		st, err = p.start(ctx, after, live)
	}
	if err != nil && !exists {
		s.mu.Lock()
		if s.pairings[conversationID] == p {
			delete(s.pairings, conversationID)
		}
		s.mu.Unlock()
	}
	return st, err
}

// CloseConversation ends the pairing for conversationID.
func (s *Session) CloseConversation(conversationID string) error {
	s.mu.Lock()
	p := s.pairings[conversationID]
	delete(s.pairings, conversationID)
	s.mu.Unlock()
	if p == nil {
		return ErrNotSubscribed
	}
	p.close()
	return nil
}

// Status reports the pairing state of conversationID.
func (s *Session) Status(conversationID string) (Status, bool) {
	s.mu.Lock()
	p := s.pairings[conversationID]
	s.mu.Unlock()
	if p == nil {
		return Status{ConversationID: conversationID, State: StateUnsubscribed}, false
	}
	return p.snapshot(), true
}

// Conversations lists the status of every pairing ordered by conversation id.
func (s *Session) Conversations() []Status {
	out := make([]Status, 0)
	for _, p := range s.snapshotPairings() {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Suspend detaches the client. Pairings stop live delivery and keep their
// cursors until Attach or Close.
func (s *Session) Suspend() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.suspend()
}

func (s *Session) suspend() {
	s.mu.Lock()
	if s.state != attached {
		s.mu.Unlock()
		return
	}
	s.state = suspended
	s.suspendGen++
	s.cancel()
	pairings := s.pairingsLocked()
	s.mu.Unlock()

	s.hmu.Lock()
	s.handlers = Handlers{}
	s.hmu.Unlock()

	for _, p := range pairings {
		p.suspend()
	}
}

// Attach connects a client to the session and returns its attachment id.
// A suspended session backfills every pairing from its cursor before live
// delivery resumes. Attaching over a live connection replaces it.
func (s *Session) Attach(h Handlers) (uint64, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	wasAttached := s.state == attached
	s.mu.Unlock()

	if wasAttached {
		s.hmu.RLock()
		replaced := s.handlers.Replaced
		s.hmu.RUnlock()
		s.suspend()
		if replaced != nil {
			replaced()
		}
	}

	s.mu.Lock()
	s.state = attached
	s.attachment++
	id := s.attachment
	s.ctx, s.cancel = context.WithCancel(context.Background())
	pairings := s.pairingsLocked()
	s.mu.Unlock()

	s.hmu.Lock()
	s.handlers = h
	s.hmu.Unlock()

	for _, p := range pairings {
		p.resume()
	}
	return id, nil
}

// Detach suspends the session if attachment is still the current connection.
func (s *Session) Detach(attachment uint64) bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	current := s.state == attached && s.attachment == attachment
	s.mu.Unlock()
	if !current {
		return false
	}
	s.suspend()
	return true
}

// Close ends every pairing. The session cannot be used afterwards.
func (s *Session) Close() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == closed {
		s.mu.Unlock()
		return
	}
	s.state = closed
	s.cancel()
	pairings := s.pairingsLocked()
	s.pairings = make(map[string]*pairing)
	s.mu.Unlock()

	for _, p := range pairings {
		p.close()
	}

	s.hmu.Lock()
	s.handlers = Handlers{}
	s.hmu.Unlock()
}

func (s *Session) isSuspended(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == suspended && s.suspendGen == gen
}

func (s *Session) currentSuspendGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendGen
}

// attachCtx is cancelled when the current attachment ends.
func (s *Session) attachCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Session) snapshotPairings() []*pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingsLocked()
}

func (s *Session) pairingsLocked() []*pairing {
	out := make([]*pairing, 0, len(s.pairings))
	for _, p := range s.pairings {
		out = append(out, p)
	}
	return out
}

// emit hands msg to the client. It reports false when no client is attached
// or the client refused the message.
func (s *Session) emit(msg chat.Message) bool {
	s.hmu.RLock()
	fn := s.handlers.Message
	s.hmu.RUnlock()
	if fn == nil {
		return false
	}
	if err := fn(msg); err != nil {
		s.m.log.Debug("message not delivered to client",
			zap.String("session_id", s.id),
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Session) emitStatus(st Status) {
	s.hmu.RLock()
	fn := s.handlers.Status
	s.hmu.RUnlock()
	if fn != nil {
		fn(st)
	}
}
