package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openesb/asyncbus/internal/engine/msg"
)

// entry wraps a message with its own lock so transitions on different
// messages never contend.
type entry struct {
	mu sync.Mutex
	m  msg.Message
}

// Memory is the in-process Store. Create and key lookups take the table
// lock; Transition takes only the per-entry lock of the target message.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	nowFunc func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*entry),
		nowFunc: time.Now,
	}
}

func (s *Memory) Create(_ context.Context, m msg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CorrelationKey != "" {
		for _, e := range s.byID {
			e.mu.Lock()
			conflict := e.m.CorrelationKey == m.CorrelationKey && e.m.State.Active()
			existingID := e.m.ID
			e.mu.Unlock()
			if conflict {
				return &DuplicateCorrelationKeyError{Key: m.CorrelationKey, ExistingID: existingID}
			}
		}
	}
	s.byID[m.ID] = &entry{m: m}
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (msg.Message, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return msg.Message{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m, nil
}

func (s *Memory) Transition(_ context.Context, id string, ev msg.Event) (msg.Message, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return msg.Message{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := msg.Apply(e.m, ev, s.nowFunc())
	if err != nil {
		return msg.Message{}, err
	}
	e.m = next
	return next, nil
}

func (s *Memory) FindByCorrelationKey(_ context.Context, key string) (msg.Message, error) {
	if key == "" {
		return msg.Message{}, ErrNotFound
	}
	for _, m := range s.snapshot() {
		if m.CorrelationKey == key && m.State == msg.StateWaitingForResponse {
			return m, nil
		}
	}
	return msg.Message{}, ErrNotFound
}

func (s *Memory) FindLatestByCorrelationKey(_ context.Context, key string) (msg.Message, error) {
	if key == "" {
		return msg.Message{}, ErrNotFound
	}
	var (
		latest msg.Message
		found  bool
	)
	for _, m := range s.snapshot() {
		if m.CorrelationKey != key {
			continue
		}
		if !found || m.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = m
			found = true
		}
	}
	if !found {
		return msg.Message{}, ErrNotFound
	}
	return latest, nil
}

func (s *Memory) FindDueForRetry(_ context.Context, now time.Time, limit int) ([]msg.Message, error) {
	var due []msg.Message
	for _, m := range s.snapshot() {
		if m.State == msg.StatePartlyFailed && !m.NextAttemptAt.IsZero() && !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	return clip(due, limit), nil
}

func (s *Memory) FindResponseTimeouts(_ context.Context, olderThan time.Time, limit int) ([]msg.Message, error) {
	var stale []msg.Message
	for _, m := range s.snapshot() {
		if m.State == msg.StateWaitingForResponse && m.LastUpdatedAt.Before(olderThan) {
			stale = append(stale, m)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastUpdatedAt.Before(stale[j].LastUpdatedAt) })
	return clip(stale, limit), nil
}

func (s *Memory) Find(_ context.Context, f Filter) ([]msg.Message, error) {
	var out []msg.Message
	for _, m := range s.snapshot() {
		if matches(m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, f.Limit), nil
}

// snapshot copies all messages under their entry locks so queries never see
// a half-applied transition.
func (s *Memory) snapshot() []msg.Message {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]msg.Message, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.m)
		e.mu.Unlock()
	}
	return out
}

func clip(in []msg.Message, limit int) []msg.Message {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
