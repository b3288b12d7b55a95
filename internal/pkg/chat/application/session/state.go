package session

import (
	"context"

	"github.com/qmuntal/stateless"
)

// State is the lifecycle state of one (session, conversation) pairing.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateActive       State = "active"
	StateSuspended    State = "suspended"
	StateBackfilling  State = "backfilling"
	StateDegraded     State = "degraded"
)

type trigger string

const (
	triggerSubscribe trigger = "subscribe"
	triggerDrop      trigger = "drop"
	triggerReconnect trigger = "reconnect"
	triggerLag       trigger = "lag"
	triggerCaughtUp  trigger = "caught_up"
	triggerFail      trigger = "fail"
	triggerRetry     trigger = "retry"
	triggerClose     trigger = "close"
)

// newPairingMachine builds the pairing state machine:
//
//	Unsubscribed -> Active -> Suspended -> Backfilling -> Active
//	Active -> Backfilling (lag or gap) -> Degraded -> Backfilling
//	any -> Unsubscribed (close)
//
// onTransition runs after every state change.
func newPairingMachine(onTransition func(from, to State)) *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateUnsubscribed)

	sm.Configure(StateUnsubscribed).
		Permit(triggerSubscribe, StateActive).
		Ignore(triggerClose).
		Ignore(triggerDrop)

	sm.Configure(StateActive).
		Permit(triggerLag, StateBackfilling).
		Permit(triggerDrop, StateSuspended).
		Permit(triggerClose, StateUnsubscribed)

	sm.Configure(StateBackfilling).
		Permit(triggerCaughtUp, StateActive).
		Permit(triggerFail, StateDegraded).
		Permit(triggerDrop, StateSuspended).
		Permit(triggerClose, StateUnsubscribed)

	sm.Configure(StateSuspended).
		Permit(triggerReconnect, StateBackfilling).
		Permit(triggerClose, StateUnsubscribed).
		Ignore(triggerDrop)

	sm.Configure(StateDegraded).
		Permit(triggerRetry, StateBackfilling).
		Permit(triggerDrop, StateSuspended).
		Permit(triggerClose, StateUnsubscribed)

	if onTransition != nil {
		sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
			onTransition(t.Source.(State), t.Destination.(State))
		})
	}
	return sm
}

func currentState(sm *stateless.StateMachine) State {
	return sm.MustState().(State)
}
