package realtime

import (
	"errors"
	"sync"

	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultQueueSize = 256

var (
	ErrBusClosed      = errors.New("realtime: bus closed")
	ErrNoConversation = errors.New("realtime: conversation id is required")
	ErrNilSink        = errors.New("realtime: sink is required")
	// ErrLagging marks a subscriber that lost messages to queue overflow.
	ErrLagging = errors.New("realtime: subscriber lagging")
)

// Delivery is one item handed to a subscriber. Lagging is set on the first
// delivery after the subscriber's queue overflowed: older messages were
// dropped and must be recovered from history.
type Delivery struct {
	Message chat.Message
	Lagging bool
}

// Sink receives deliveries for one subscription. Calls are sequential per
// subscription and run on the subscription's own goroutine.
type Sink func(Delivery)

// BusOptions configures a Bus.
type BusOptions struct {
	QueueSize int
	Logger    *zap.Logger
}

// Bus fans stored messages out to the live subscribers of a conversation.
// It keeps an explicit registry indexed by conversation id; each subscriber
// owns a bounded queue drained by its own goroutine, so a slow subscriber
// never blocks Publish or other subscribers.
type Bus struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	closed    bool
	queueSize int
	log       *zap.Logger
}

// room serializes publishes for one conversation so every subscriber sees
// the same relative order.
type room struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewBus(o BusOptions) *Bus {
	size := o.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		rooms:     make(map[string]*room),
		queueSize: size,
		log:       logger.OrNop(o.Logger),
	}
}

// Subscribe registers sink for conversationID and starts its delivery goroutine.
func (b *Bus) Subscribe(conversationID string, sink Sink) (*Subscription, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if sink == nil {
		return nil, ErrNilSink
	}
	sub := &Subscription{
		id:             uuid.NewString(),
		conversationID: conversationID,
		bus:            b,
		sink:           sink,
		limit:          b.queueSize,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	r := b.rooms[conversationID]
	if r == nil {
		r = &room{subs: make(map[string]*Subscription)}
		b.rooms[conversationID] = r
	}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Unsubscribe removes the subscription. Queued but undelivered messages are
// discarded. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if r := b.rooms[sub.conversationID]; r != nil {
		r.mu.Lock()
		delete(r.subs, sub.id)
		empty := len(r.subs) == 0
		r.mu.Unlock()
		if empty {
			delete(b.rooms, sub.conversationID)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// Publish enqueues msg for every subscriber of its conversation and returns
// the number of subscribers reached. It never blocks on subscriber speed.
func (b *Bus) Publish(msg chat.Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	r := b.rooms[msg.ConversationID]
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		if sub.enqueue(msg) {
			b.log.Debug("subscriber lagging",
				zap.String("conversation_id", msg.ConversationID),
				zap.String("subscription_id", sub.id))
		}
		n++
	}
	return n
}

// Subscribers returns the number of live subscriptions of a conversation.
func (b *Bus) Subscribers(conversationID string) int {
	b.mu.RLock()
	r := b.rooms[conversationID]
	b.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops every subscription and rejects further subscribes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rooms := b.rooms
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for _, sub := range r.subs {
			sub.stop()
		}
		r.mu.Unlock()
	}
}
