package msg

import (
	"errors"
	"fmt"
	"time"

	"github.com/openesb/asyncbus/internal/engine/classify"
)

// EventKind names a lifecycle transition event.
type EventKind string

const (
	// EventAccept moves NEW to PROCESSING and starts attempt 1.
	EventAccept EventKind = "accept"

	// EventSucceed finishes processing with OK. Allowed from PROCESSING
	// (synchronous success) and WAITING_FOR_RESPONSE (correlated success).
	EventSucceed EventKind = "succeed"

	// EventDispatch records that the message was sent to an asynchronous
	// downstream and now waits for the correlated response.
	EventDispatch EventKind = "dispatch"

	// EventFailFatal finishes processing with FAILED. Used for VALIDATION,
	// BUSINESS and TECHNICAL_FATAL classifications.
	EventFailFatal EventKind = "fail_fatal"

	// EventRetry records a recoverable failure and schedules the next attempt.
	EventRetry EventKind = "retry"

	// EventExhaust records that the retry ceiling was reached; the message
	// halts in FAILED_WARN and needs operator attention.
	EventExhaust EventKind = "exhaust"

	// EventReadmit moves a due PARTLY_FAILED message back to PROCESSING and
	// increments the attempt count.
	EventReadmit EventKind = "readmit"

	// EventRestart is the operator action that re-schedules a FAILED_WARN
	// message as PARTLY_FAILED, due immediately.
	EventRestart EventKind = "restart"

	// EventCancel cancels any non-terminal message.
	EventCancel EventKind = "cancel"
)

// Event is a proposed lifecycle transition. Build events with the
// constructors below; the zero value is not a valid event.
type Event struct {
	Kind          EventKind
	ErrorKind     classify.Kind
	Cause         string
	NextAttemptAt time.Time
}

// Accept proposes NEW -> PROCESSING.
func Accept() Event { return Event{Kind: EventAccept} }

// Succeed proposes a transition to OK.
func Succeed() Event { return Event{Kind: EventSucceed} }

// Dispatch proposes PROCESSING -> WAITING_FOR_RESPONSE.
func Dispatch() Event { return Event{Kind: EventDispatch} }

// FailFatal proposes a transition to FAILED with the classified error.
func FailFatal(kind classify.Kind, cause string) Event {
	return Event{Kind: EventFailFatal, ErrorKind: kind, Cause: cause}
}

// Retry proposes a transition to PARTLY_FAILED with the next attempt time.
func Retry(nextAttemptAt time.Time, cause string) Event {
	return Event{Kind: EventRetry, ErrorKind: classify.KindTechnicalRetryable, Cause: cause, NextAttemptAt: nextAttemptAt}
}

// Exhaust proposes a transition to FAILED_WARN after the retry ceiling.
func Exhaust(cause string) Event {
	return Event{Kind: EventExhaust, ErrorKind: classify.KindTechnicalRetryable, Cause: cause}
}

// Readmit proposes PARTLY_FAILED -> PROCESSING for the next attempt.
func Readmit() Event { return Event{Kind: EventReadmit} }

// Restart proposes the operator FAILED_WARN -> PARTLY_FAILED re-admission,
// due at the given time (usually now).
func Restart(dueAt time.Time) Event {
	return Event{Kind: EventRestart, NextAttemptAt: dueAt}
}

// Cancel proposes a transition to CANCELLED from any non-terminal state.
func Cancel() Event { return Event{Kind: EventCancel} }

// ErrInvalidTransition is the marker for transition proposals with no edge
// from the current state. It signals a programming-contract violation or a
// lost race, never data corruption; callers racing on the same message treat
// it as "already handled".
var ErrInvalidTransition = errors.New("asyncbus: invalid lifecycle transition")

// InvalidTransitionError carries the rejected edge.
type InvalidTransitionError struct {
	ID    string
	From  State
	Event EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("asyncbus: invalid lifecycle transition: message %s in state %s does not accept %q", e.ID, e.From, e.Event)
}

// Is implements errors.Is against the ErrInvalidTransition marker.
func (e *InvalidTransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// transitions is the full edge table. An event kind maps source states to
// target states; anything absent is an invalid transition.
var transitions = map[EventKind]map[State]State{
	EventAccept: {
		StateNew: StateProcessing,
	},
	EventSucceed: {
		StateProcessing:         StateOK,
		StateWaitingForResponse: StateOK,
	},
	EventDispatch: {
		StateProcessing: StateWaitingForResponse,
	},
	EventFailFatal: {
		StateProcessing:         StateFailed,
		StateWaitingForResponse: StateFailed,
	},
	EventRetry: {
		StateProcessing:         StatePartlyFailed,
		StateWaitingForResponse: StatePartlyFailed,
	},
	EventExhaust: {
		StateProcessing:         StateFailedWarn,
		StateWaitingForResponse: StateFailedWarn,
	},
	EventReadmit: {
		StatePartlyFailed: StateProcessing,
	},
	EventRestart: {
		StateFailedWarn: StatePartlyFailed,
	},
	EventCancel: {
		StateNew:                StateCancelled,
		StateProcessing:         StateCancelled,
		StateWaitingForResponse: StateCancelled,
		StatePartlyFailed:       StateCancelled,
		StateFailedWarn:         StateCancelled,
	},
}

// Apply validates the proposed event against the current state and returns
// the updated message. It never mutates its input. Terminal states reject
// every event, keeping terminal records immutable apart from the audit
// timestamp the successful transition itself wrote.
func Apply(m Message, ev Event, now time.Time) (Message, error) {
	targets, ok := transitions[ev.Kind]
	if !ok {
		return Message{}, &InvalidTransitionError{ID: m.ID, From: m.State, Event: ev.Kind}
	}
	next, ok := targets[m.State]
	if !ok {
		return Message{}, &InvalidTransitionError{ID: m.ID, From: m.State, Event: ev.Kind}
	}

	now = now.UTC()
	out := m
	out.State = next
	out.LastUpdatedAt = now

	switch ev.Kind {
	case EventAccept:
		out.AttemptCount = 1
		out.NextAttemptAt = time.Time{}
	case EventReadmit:
		out.AttemptCount = m.AttemptCount + 1
		out.NextAttemptAt = time.Time{}
	case EventRetry:
		out.LastErrorKind = ev.ErrorKind
		out.LastError = ev.Cause
		out.NextAttemptAt = ev.NextAttemptAt.UTC()
	case EventRestart:
		out.NextAttemptAt = ev.NextAttemptAt.UTC()
	case EventFailFatal, EventExhaust:
		out.LastErrorKind = ev.ErrorKind
		out.LastError = ev.Cause
		out.NextAttemptAt = time.Time{}
	case EventSucceed, EventDispatch, EventCancel:
		out.NextAttemptAt = time.Time{}
	}

	return out, nil
}
