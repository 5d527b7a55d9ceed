// Package store persists Message records and serializes their lifecycle
// transitions. Every backend gives the same two guarantees: transitions on a
// single message are applied one at a time against the freshest persisted
// state, and at most one active message exists per correlation key.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openesb/asyncbus/internal/engine/msg"
)

// ErrNotFound is returned when no message matches the given ID.
var ErrNotFound = errors.New("asyncbus: message not found")

// ErrDuplicateCorrelationKey is the marker for Create calls that would
// violate the one-active-message-per-key invariant.
var ErrDuplicateCorrelationKey = errors.New("asyncbus: duplicate correlation key")

// DuplicateCorrelationKeyError carries the conflicting key and the ID of the
// message that already holds it.
type DuplicateCorrelationKeyError struct {
	Key        string
	ExistingID string
}

func (e *DuplicateCorrelationKeyError) Error() string {
	return fmt.Sprintf("asyncbus: duplicate correlation key: %q is held by active message %s", e.Key, e.ExistingID)
}

// Is implements errors.Is against the ErrDuplicateCorrelationKey marker.
func (e *DuplicateCorrelationKeyError) Is(target error) bool {
	if target == ErrDuplicateCorrelationKey {
		return true
	}
	_, ok := target.(*DuplicateCorrelationKeyError)
	return ok
}

// Filter narrows Find queries. Zero fields match everything.
type Filter struct {
	States         []msg.State
	RouteName      string
	CorrelationKey string
	CreatedAfter   time.Time
	Limit          int
}

// Store is the persistence contract for the message lifecycle.
//
// Transition loads the message, applies the event through the lifecycle
// state machine and persists the result, all under an exclusive per-message
// lock (or an equivalent compare-and-swap). Two workers racing on the same
// message see one winner; the loser gets msg.ErrInvalidTransition from the
// re-validated edge.
type Store interface {
	// Create persists a NEW message. If the message carries a correlation
	// key and another active message already holds that key, Create fails
	// with a DuplicateCorrelationKeyError and persists nothing.
	Create(ctx context.Context, m msg.Message) error

	// Get returns the message by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (msg.Message, error)

	// Transition atomically applies ev to the message and returns the
	// updated record.
	Transition(ctx context.Context, id string, ev msg.Event) (msg.Message, error)

	// FindByCorrelationKey returns the message waiting for a response under
	// the given key, or ErrNotFound when no WAITING_FOR_RESPONSE message
	// holds it.
	FindByCorrelationKey(ctx context.Context, key string) (msg.Message, error)

	// FindLatestByCorrelationKey returns the most recently updated message
	// holding the key in any state, or ErrNotFound. The correlator uses it
	// to tell a late response (key known, message already settled) from an
	// orphan (key never seen).
	FindLatestByCorrelationKey(ctx context.Context, key string) (msg.Message, error)

	// FindDueForRetry returns up to limit PARTLY_FAILED messages whose
	// NextAttemptAt is at or before now, ordered by due time.
	FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]msg.Message, error)

	// FindResponseTimeouts returns up to limit WAITING_FOR_RESPONSE
	// messages not updated since olderThan, ordered by last update.
	FindResponseTimeouts(ctx context.Context, olderThan time.Time, limit int) ([]msg.Message, error)

	// Find returns messages matching the filter, newest first.
	Find(ctx context.Context, f Filter) ([]msg.Message, error)
}

// matches is the shared filter predicate used by backends that scan in
// process rather than in SQL.
func matches(m msg.Message, f Filter) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if m.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RouteName != "" && m.RouteName != f.RouteName {
		return false
	}
	if f.CorrelationKey != "" && m.CorrelationKey != f.CorrelationKey {
		return false
	}
	if !f.CreatedAfter.IsZero() && !m.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}
