// Package fsm implements the pure conversation state machine. The transition
// function computes the next state and a side-effect descriptor; persistence
// happens in the caller's transaction.
package fsm

import (
	"fmt"
	"time"

	"github.com/chatlift/conversation-engine/internal/model"
)

// Event is a trigger applied to a conversation state.
type Event string

const (
	EventEscalate    Event = "escalate"
	EventAdminMute   Event = "admin_mute"
	EventMuteExpired Event = "mute_expired"
	EventTake        Event = "take"
	EventResolve     Event = "resolve"
	EventSkip        Event = "skip"
	EventAutoClose   Event = "auto_close"
	EventReturn      Event = "return"
	EventForceClose  Event = "force_close"
)

// Guards carries the facts the transition table checks. All fields are
// snapshots the caller loaded under its own transaction.
type Guards struct {
	Now time.Time

	// Conversation facts
	MuteUntil *time.Time

	// Handover facts; HandoverStatus is empty when no handover exists.
	HandoverStatus    model.HandoverStatus
	HandoverTakenBy   string
	HandoverTakenName string
	HandoverCreatedAt time.Time
	AutoCloseDelay    time.Duration

	// Actor facts
	ActorID      string
	ActorIsAdmin bool
}

// Effects describes the writes the caller must perform in the same
// transaction as the state change.
type Effects struct {
	// Conversation mutations
	SetMuteForever      bool
	SetMuteUntil        *time.Time
	ClearMute           bool
	ClearActiveHandover bool

	// Handover mutation; zero value means no handover write.
	HandoverStatus model.HandoverStatus

	// Outbox enqueues
	NotifyOperator bool
	NotifyClosure  bool
}

// InvalidTransitionError reports a disallowed (state, event) pair or a
// failed guard.
type InvalidTransitionError struct {
	From  model.State
	Event Event
	Hint  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
	}
	return fmt.Sprintf("invalid transition: %s on %s: %s", e.Event, e.From, e.Hint)
}

// ConflictError reports a take attempt on a handover held by another manager.
type ConflictError struct {
	HolderID   string
	HolderName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("handover already taken by %s", e.HolderID)
}

func invalid(from model.State, event Event, hint string) (model.State, Effects, error) {
	return from, Effects{}, &InvalidTransitionError{From: from, Event: event, Hint: hint}
}

// Next computes the transition for (state, event) under the given guards.
// It is total: every pair either returns a defined next state or an
// *InvalidTransitionError; take conflicts return *ConflictError.
func Next(from model.State, event Event, g Guards) (model.State, Effects, error) {
	// Admin force-close short-circuits the table.
	if event == EventForceClose {
		if !g.ActorIsAdmin {
			return invalid(from, event, "caller does not hold the admin token")
		}
		eff := Effects{ClearMute: true, ClearActiveHandover: true}
		if g.HandoverStatus != "" && !g.HandoverStatus.Terminal() {
			eff.HandoverStatus = model.HandoverTimeout
		}
		return model.StateResolved, eff, nil
	}

	switch from {
	case model.StateBotActive:
		switch event {
		case EventEscalate:
			if g.HandoverStatus != "" && !g.HandoverStatus.Terminal() {
				return invalid(from, event, "conversation already has an active handover")
			}
			return model.StateEscalating, Effects{
				SetMuteForever: true,
				HandoverStatus: model.HandoverPending,
				NotifyOperator: true,
			}, nil
		case EventAdminMute:
			if g.MuteUntil == nil || !g.MuteUntil.After(g.Now) {
				return invalid(from, event, "mute deadline is not in the future")
			}
			return model.StateBotMuted, Effects{SetMuteUntil: g.MuteUntil}, nil
		}

	case model.StateBotMuted:
		if event == EventMuteExpired {
			if g.MuteUntil != nil && g.Now.Before(*g.MuteUntil) {
				return invalid(from, event, "mute has not expired yet")
			}
			return model.StateBotActive, Effects{ClearMute: true}, nil
		}

	case model.StateEscalating:
		switch event {
		case EventTake:
			if g.HandoverStatus != model.HandoverPending {
				return invalid(from, event, "handover is not pending")
			}
			return model.StateManagerActive, Effects{HandoverStatus: model.HandoverTaken}, nil
		case EventResolve, EventSkip:
			if g.HandoverStatus != model.HandoverPending {
				return invalid(from, event, "handover is not pending")
			}
			status := model.HandoverResolved
			if event == EventSkip {
				status = model.HandoverSkipped
			}
			return model.StateResolved, Effects{
				HandoverStatus:      status,
				ClearMute:           true,
				ClearActiveHandover: true,
				NotifyClosure:       true,
			}, nil
		case EventAutoClose:
			if g.HandoverStatus != model.HandoverPending {
				return invalid(from, event, "handover is not pending")
			}
			if g.Now.Before(g.HandoverCreatedAt.Add(g.AutoCloseDelay)) {
				return invalid(from, event, "auto-close deadline has not passed")
			}
			return model.StateBotActive, Effects{
				HandoverStatus:      model.HandoverTimeout,
				ClearMute:           true,
				ClearActiveHandover: true,
				NotifyClosure:       true,
			}, nil
		}

	case model.StateManagerActive:
		switch event {
		case EventTake:
			if g.HandoverStatus != model.HandoverTaken {
				return invalid(from, event, "handover is not taken")
			}
			if g.HandoverTakenBy == g.ActorID {
				// Idempotent re-take by the holder.
				return model.StateManagerActive, Effects{}, nil
			}
			return from, Effects{}, &ConflictError{HolderID: g.HandoverTakenBy, HolderName: g.HandoverTakenName}
		case EventResolve:
			if g.HandoverStatus != model.HandoverTaken {
				return invalid(from, event, "handover is not taken")
			}
			if g.HandoverTakenBy != g.ActorID && !g.ActorIsAdmin {
				return from, Effects{}, &ConflictError{HolderID: g.HandoverTakenBy, HolderName: g.HandoverTakenName}
			}
			return model.StateResolved, Effects{
				HandoverStatus:      model.HandoverResolved,
				ClearMute:           true,
				ClearActiveHandover: true,
				NotifyClosure:       true,
			}, nil
		case EventReturn:
			if g.HandoverStatus != model.HandoverTaken {
				return invalid(from, event, "handover is not taken")
			}
			return model.StateBotActive, Effects{
				HandoverStatus:      model.HandoverReturned,
				ClearMute:           true,
				ClearActiveHandover: true,
			}, nil
		}

	case model.StateResolved:
		// Terminal; only force_close is accepted and that is handled above.
	}

	return invalid(from, event, "")
}

// CanTransition reports whether Next would succeed. Exposed for dry-run
// checks by the HTTP layer.
func CanTransition(from model.State, event Event, g Guards) bool {
	_, _, err := Next(from, event, g)
	return err == nil
}

// EventForAction maps a manager callback action onto a state machine event.
func EventForAction(action model.ManagerAction) (Event, bool) {
	switch action {
	case model.ActionTake:
		return EventTake, true
	case model.ActionResolve:
		return EventResolve, true
	case model.ActionSkip:
		return EventSkip, true
	case model.ActionReturn:
		return EventReturn, true
	}
	return "", false
}
