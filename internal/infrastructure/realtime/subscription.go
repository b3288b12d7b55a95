package realtime

import (
	"sync"

	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"

	"go.uber.org/zap"
)

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	id             string
	conversationID string
	bus            *Bus
	sink           Sink
	limit          int

	mu      sync.Mutex
	queue   []chat.Message
	lagging bool
	dropped uint64

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) ConversationID() string { return s.conversationID }

// Lagging reports whether messages were dropped and the drop has not yet
// been signalled to the sink.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// Dropped is the total number of messages discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue appends msg, dropping the oldest queued message when full.
// It reports whether a drop happened.
func (s *Subscription) enqueue(msg chat.Message) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.limit {
		s.queue[0] = chat.Message{}
		s.queue = s.queue[1:]
		s.lagging = true
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) next() (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.queue = nil
		return Delivery{}, false
	}
	d := Delivery{Message: s.queue[0], Lagging: s.lagging}
	s.queue[0] = chat.Message{}
	s.queue = s.queue[1:]
	s.lagging = false
	return d, true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			d, ok := s.next()
			if !ok {
				break
			}
			s.deliver(d)
		}
	}
}

func (s *Subscription) deliver(d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			s.bus.log.Error("subscriber sink panicked",
				zap.String("conversation_id", s.conversationID),
				zap.Any("panic", rec))
		}
	}()
	s.sink(d)
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}
