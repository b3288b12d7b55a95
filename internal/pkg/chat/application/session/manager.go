package session

import (
	"errors"
	"sync"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	"github.com/go-chatty/chatty-dm/internal/logger"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBackfillPage     = 100
	DefaultBackfillAttempts = 5
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultSuspendTTL       = 2 * time.Minute
	DefaultResyncInterval   = 30 * time.Second
)

var ErrNoUser = errors.New("session: user id is required")

// Bus is the part of the notification bus a session needs.
type Bus interface {
	Subscribe(conversationID string, sink realtime.Sink) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
}

// Services are the use cases sessions delegate to.
type Services struct {
	Resolver      *usecase.ResolveConversationUseCase
	Conversations *usecase.GetConversationUseCase
	History       *usecase.GetHistoryUseCase
	Bus           Bus
}

type Options struct {
	BackfillPage     int
	BackfillAttempts int
	RetryInterval    time.Duration
	// SuspendTTL is how long a detached session keeps its cursors.
	SuspendTTL time.Duration
	// ResyncInterval is how often Active pairings compare their cursor with
	// the stored head. Negative disables it.
	ResyncInterval time.Duration
	Logger         *zap.Logger
}

// Manager owns the sessions of this process. Detached sessions stay resumable
// for SuspendTTL and are closed afterwards.
type Manager struct {
	svc  Services
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	closed   bool
	stop     chan struct{}
}

func NewManager(svc Services, o Options) *Manager {
	if o.BackfillPage <= 0 {
		o.BackfillPage = DefaultBackfillPage
	}
	if o.BackfillAttempts <= 0 {
		o.BackfillAttempts = DefaultBackfillAttempts
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.SuspendTTL <= 0 {
		o.SuspendTTL = DefaultSuspendTTL
	}
	if o.ResyncInterval == 0 {
		o.ResyncInterval = DefaultResyncInterval
	}
	m := &Manager{
		svc:      svc,
		opts:     o,
		log:      logger.OrNop(o.Logger),
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}
	if o.ResyncInterval > 0 {
		go m.resyncLoop(o.ResyncInterval)
	}
	return m
}

// Open starts a new attached session for userID.
func (m *Manager) Open(userID string, h Handlers) (*Session, uint64, error) {
	if userID == "" {
		return nil, 0, ErrNoUser
	}
	s := newSession(m, uuid.NewString(), userID, h)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrSessionClosed
	}
	m.sessions[s.id] = s
	m.log.Info("session opened", zap.String("session_id", s.id), zap.String("user_id", userID))
	return s, s.Attachment(), nil
}

// Resume reattaches a client to a session it owns. Pairings backfill from
// their cursors before Resume returns.
func (m *Manager) Resume(sessionID, userID string, h Handlers) (*Session, uint64, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil || s.userID != userID {
		m.mu.Unlock()
		return nil, 0, ErrSessionNotFound
	}
	if t := m.timers[sessionID]; t != nil {
		t.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()

	attachment, err := s.Attach(h)
	if err != nil {
		return nil, 0, ErrSessionNotFound
	}
	m.log.Info("session resumed", zap.String("session_id", s.id), zap.String("user_id", userID))
	return s, attachment, nil
}

// Get returns a registered session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Detach suspends s when attachment is its current connection and schedules
// its expiry.
func (m *Manager) Detach(s *Session, attachment uint64) {
	if !s.Detach(attachment) {
		return
	}
	gen := s.currentSuspendGen()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.sessions[s.id] != s {
		return
	}
	if t := m.timers[s.id]; t != nil {
		t.Stop()
	}
	m.timers[s.id] = time.AfterFunc(m.opts.SuspendTTL, func() { m.expire(s, gen) })
	m.log.Info("session suspended", zap.String("session_id", s.id), zap.Duration("ttl", m.opts.SuspendTTL))
}

// Close removes and closes a session.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	if t := m.timers[sessionID]; t != nil {
		t.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()
	if s != nil {
		s.Close()
		m.log.Info("session closed", zap.String("session_id", sessionID))
	}
}

// Len is the number of registered sessions, suspended ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and rejects new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) expire(s *Session, gen uint64) {
	m.mu.Lock()
	if m.sessions[s.id] != s || !s.isSuspended(gen) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	delete(m.timers, s.id)
	m.mu.Unlock()

	s.Close()
	m.log.Info("suspended session expired", zap.String("session_id", s.id))
}

func (m *Manager) resyncLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.resync()
		}
	}
}

func (m *Manager) resync() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		ctx := s.attachCtx()
		if ctx.Err() != nil {
			continue
		}
		for _, p := range s.snapshotPairings() {
			p.resync(ctx)
		}
	}
}

// recoveryBackOff spaces the rounds of a Degraded pairing. Each round is a
// full backfill with its own retryOptions attempts.
func (m *Manager) recoveryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * m.opts.RetryInterval
	b.MaxInterval = 100 * m.opts.RetryInterval
	return b
}

func (m *Manager) retryOptions(conversationID string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInterval
	b.MaxInterval = 10 * m.opts.RetryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.opts.BackfillAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.Warn("backfill attempt failed",
				zap.String("conversation_id", conversationID),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	}
}
