// Package msg defines the Message record and its lifecycle state machine.
// The state machine is a pure transition table: stores call Apply under their
// per-message exclusive lock and persist whatever it returns, so every
// backend enforces exactly the same edges.
package msg

import (
	"time"

	"github.com/openesb/asyncbus/internal/engine/classify"
	"github.com/openesb/asyncbus/internal/engine/routes"
)

// State is the lifecycle state of a Message.
type State string

const (
	// StateNew is a freshly saved message, not yet accepted by a worker.
	StateNew State = "NEW"

	// StateProcessing is a message currently being processed.
	StateProcessing State = "PROCESSING"

	// StateWaitingForResponse is a message dispatched to an asynchronous
	// downstream system, waiting for the correlated response.
	StateWaitingForResponse State = "WAITING_FOR_RESPONSE"

	// StatePartlyFailed is a message whose last attempt failed with a
	// recoverable error; a next attempt is scheduled.
	StatePartlyFailed State = "PARTLY_FAILED"

	// StateOK is a successfully processed message. Terminal.
	StateOK State = "OK"

	// StateFailed is a finally failed message. Terminal.
	StateFailed State = "FAILED"

	// StateFailedWarn is a message whose retries are exhausted. It halts
	// automatic processing and needs operator attention; an operator may
	// restart or cancel it, so it still blocks correlation-key reuse.
	StateFailedWarn State = "FAILED_WARN"

	// StateCancelled is a message cancelled by an operator or external
	// system. Terminal.
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateOK || s == StateFailed || s == StateCancelled
}

// Active reports whether a message in this state blocks reuse of its
// correlation key. FAILED_WARN counts as active because an operator restart
// would resume processing under the same key.
func (s State) Active() bool {
	return !s.Terminal()
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateProcessing, StateWaitingForResponse, StatePartlyFailed,
		StateOK, StateFailed, StateFailedWarn, StateCancelled:
		return true
	}
	return false
}

// Message is the unit of asynchronous work. The ID is immutable and globally
// unique; PayloadRef is an opaque reference to the stored request body and is
// never mutated after creation.
type Message struct {
	ID             string           `json:"id"`
	CorrelationKey string           `json:"correlation_key,omitempty"`
	State          State            `json:"state"`
	Route          routes.RouteType `json:"route"`
	RouteName      string           `json:"route_name"`
	AttemptCount   int              `json:"attempt_count"`
	LastErrorKind  classify.Kind    `json:"last_error_kind,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	NextAttemptAt  time.Time        `json:"next_attempt_at,omitzero"`
	PayloadRef     string           `json:"payload_ref"`
	CreatedAt      time.Time        `json:"created_at"`
	LastUpdatedAt  time.Time        `json:"last_updated_at"`
}

// New builds a NEW message ready for Store.Create.
func New(id, payloadRef, routeName string, rt routes.RouteType, correlationKey string, now time.Time) Message {
	now = now.UTC()
	return Message{
		ID:             id,
		CorrelationKey: correlationKey,
		State:          StateNew,
		Route:          rt,
		RouteName:      routeName,
		PayloadRef:     payloadRef,
		CreatedAt:      now,
		LastUpdatedAt:  now,
	}
}

// Retryable reports whether retry policy applies to this message at all.
// Unclassified routes are conservative pass-through.
func (m Message) Retryable() bool {
	return m.Route.Classified()
}
