package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/cenkalti/backoff/v5"
	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

var (
	errSequenceGap = errors.New("session: live message skipped ahead of cursor")
	errDetached    = errors.New("session: client detached")
)

// pairing is the subscription of one session to one conversation.
//
// cursor is the seq of the last message handed to the client. Live messages
// at or below it are duplicates and dropped; a message past cursor+1 or a
// lagging delivery means messages were missed and triggers backfill from the
// store. Everything runs under mu, including backfill, so live deliveries
// wait in the bus queue until the pairing has caught up.
type pairing struct {
	s              *Session
	conversationID string

	mu     sync.Mutex
	fsm    *stateless.StateMachine
	cursor int64
	sub    *realtime.Subscription
	err    error

	// retry re-runs backfill while the pairing is Degraded.
	retry       *time.Timer
	retryPolicy *backoff.ExponentialBackOff
}

func newPairing(s *Session, conversationID string) *pairing {
	p := &pairing{s: s, conversationID: conversationID}
	p.fsm = newPairingMachine(func(from, to State) {
		s.m.log.Debug("pairing transition",
			zap.String("session_id", s.id),
			zap.String("conversation_id", conversationID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		s.emitStatus(p.statusLocked(to))
	})
	return p
}

func (p *pairing) start(ctx context.Context, after int64, live bool) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Subscribe before reading the head so nothing published in between is missed.
	if live {
		if err := p.subscribeBus(); err != nil {
			return Status{}, fmt.Errorf("%w: %v", usecase.ErrUnavailable, err)
		}
	}
	conv, err := p.s.m.svc.Conversations.Execute(ctx, usecase.GetConversationInput{
		ConversationID: p.conversationID,
		RequesterID:    p.s.userID,
	})
	if err != nil {
		p.unsubscribeBus()
		return Status{}, err
	}

	p.cursor = conv.LastSeq
	if after >= 0 && after < conv.LastSeq {
		p.cursor = after
	}
	p.fire(triggerSubscribe)
	if !live {
		p.fire(triggerDrop)
		return p.statusLocked(currentState(p.fsm)), nil
	}
	if p.cursor < conv.LastSeq {
		p.recover(triggerLag, nil)
	}
	return p.statusLocked(currentState(p.fsm)), nil
}

// rewind moves the cursor back to after and backfills from there.
func (p *pairing) rewind(after int64) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := currentState(p.fsm)
	if after >= 0 && after < p.cursor && (state == StateActive || state == StateDegraded) {
		p.cursor = after
		p.recover(recoveryTrigger(state), nil)
	}
	return p.statusLocked(currentState(p.fsm)), nil
}

func (p *pairing) onDelivery(d realtime.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := currentState(p.fsm)
	if state != StateActive && state != StateDegraded {
		return
	}
	msg := d.Message
	// Messages dropped on lag are older than msg, so nothing is lost when msg
	// itself was already delivered.
	if msg.Seq <= p.cursor {
		return
	}
	if d.Lagging || msg.Seq > p.cursor+1 {
		reason := errSequenceGap
		if d.Lagging {
			reason = realtime.ErrLagging
		}
		p.recover(recoveryTrigger(state), reason)

		state = currentState(p.fsm)
		if msg.Seq <= p.cursor || msg.Seq > p.cursor+1 {
			return
		}
		if state != StateActive && state != StateDegraded {
			return
		}
	}
	p.deliver(msg)
}

func (p *pairing) deliver(msg chat.Message) bool {
	if !p.s.emit(msg) {
		p.drop()
		return false
	}
	p.cursor = msg.Seq
	return true
}

// recover moves the pairing to Backfilling with t and reads the store until
// the cursor reaches the conversation head.
func (p *pairing) recover(t trigger, reason error) {
	p.err = reason
	if err := p.fire(t); err != nil {
		return
	}

	ctx := p.s.attachCtx()
	err := p.backfill(ctx)
	switch {
	case err == nil:
		p.err = nil
		p.stopRetry()
		p.fire(triggerCaughtUp)
	case errors.Is(err, errDetached), ctx.Err() != nil:
		p.drop()
	default:
		p.err = fmt.Errorf("%w: %v", ErrDegraded, err)
		p.s.m.log.Warn("backfill failed, pairing degraded",
			zap.String("session_id", p.s.id),
			zap.String("conversation_id", p.conversationID),
			zap.Int64("cursor", p.cursor),
			zap.Error(err))
		p.fire(triggerFail)
		p.scheduleRetry(ctx)
	}
}

// scheduleRetry arms the Degraded retry. The timer is dropped with the
// attachment: a suspended pairing backfills again on resume instead.
func (p *pairing) scheduleRetry(ctx context.Context) {
	if p.retryPolicy == nil {
		p.retryPolicy = p.s.m.recoveryBackOff()
	}
	next := p.retryPolicy.NextBackOff()
	if next == backoff.Stop {
		next = p.retryPolicy.MaxInterval
	}
	if p.retry != nil {
		p.retry.Stop()
	}
	p.retry = time.AfterFunc(next, func() { p.retryDegraded(ctx) })
}

func (p *pairing) retryDegraded(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.Err() != nil || currentState(p.fsm) != StateDegraded {
		return
	}
	p.s.m.log.Debug("retrying degraded pairing",
		zap.String("session_id", p.s.id),
		zap.String("conversation_id", p.conversationID),
		zap.Int64("cursor", p.cursor))
	p.recover(triggerRetry, p.err)
}

func (p *pairing) stopRetry() {
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	p.retryPolicy = nil
}

// resync catches up an Active pairing whose head moved without a live
// delivery reaching it, as when a relayed message was lost between nodes.
func (p *pairing) resync(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if currentState(p.fsm) != StateActive {
		return
	}
	conv, err := p.s.m.svc.Conversations.Execute(ctx, usecase.GetConversationInput{
		ConversationID: p.conversationID,
		RequesterID:    p.s.userID,
	})
	if err != nil {
		p.s.m.log.Debug("resync head check failed",
			zap.String("conversation_id", p.conversationID),
			zap.Error(err))
		return
	}
	if conv.LastSeq > p.cursor {
		p.recover(triggerLag, errSequenceGap)
	}
}

func (p *pairing) backfill(ctx context.Context) error {
	history := p.s.m.svc.History
	for {
		after := p.cursor
		out, err := backoff.Retry(ctx, func() (usecase.GetHistoryOutput, error) {
			out, err := history.Execute(ctx, usecase.GetHistoryInput{
				ConversationID: p.conversationID,
				RequesterID:    p.s.userID,
				After:          after,
				Limit:          p.s.m.opts.BackfillPage,
			})
			if err != nil && !errors.Is(err, usecase.ErrUnavailable) {
				return out, backoff.Permanent(err)
			}
			return out, err
		}, p.s.m.retryOptions(p.conversationID)...)
		if err != nil {
			return err
		}

		for _, msg := range out.Messages {
			if msg.Seq <= p.cursor {
				continue
			}
			if !p.s.emit(msg) {
				return errDetached
			}
			p.cursor = msg.Seq
		}
		if !out.HasMore || len(out.Messages) == 0 {
			return nil
		}
	}
}

func (p *pairing) suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop()
}

func (p *pairing) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if currentState(p.fsm) != StateSuspended {
		return
	}
	if err := p.subscribeBus(); err != nil {
		p.err = fmt.Errorf("%w: %v", usecase.ErrUnavailable, err)
		p.s.emitStatus(p.statusLocked(StateSuspended))
		return
	}
	p.recover(triggerReconnect, nil)
}

func (p *pairing) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopRetry()
	p.unsubscribeBus()
	p.fire(triggerClose)
}

// drop stops live delivery and parks the pairing in Suspended.
func (p *pairing) drop() {
	p.stopRetry()
	p.unsubscribeBus()
	p.fire(triggerDrop)
}

func (p *pairing) subscribeBus() error {
	if p.sub != nil {
		return nil
	}
	sub, err := p.s.m.svc.Bus.Subscribe(p.conversationID, p.onDelivery)
	if err != nil {
		return err
	}
	p.sub = sub
	return nil
}

func (p *pairing) unsubscribeBus() {
	if p.sub == nil {
		return
	}
	p.s.m.svc.Bus.Unsubscribe(p.sub)
	p.sub = nil
}

func (p *pairing) fire(t trigger) error {
	if err := p.fsm.Fire(t); err != nil {
		p.s.m.log.Debug("pairing transition rejected",
			zap.String("conversation_id", p.conversationID),
			zap.String("trigger", string(t)),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *pairing) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked(currentState(p.fsm))
}

func (p *pairing) statusLocked(state State) Status {
	return Status{ConversationID: p.conversationID, State: state, Cursor: p.cursor, Err: p.err}
}

func recoveryTrigger(state State) trigger {
	if state == StateDegraded {
		return triggerRetry
	}
	return triggerLag
}
