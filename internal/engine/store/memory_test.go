package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openesb/asyncbus/internal/engine/ids"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/routes"
)

var storeNow = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func newStoredMessage(t *testing.T, s Store, key string) msg.Message {
	t.Helper()
	m := msg.New(ids.NewMessageID(), "payload/1", "svc_op_in_async", routes.AsyncIn, key, storeNow)
	require.NoError(t, s.Create(context.Background(), m))
	return m
}

func TestMemory_CreateAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := newStoredMessage(t, s, "K1")

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DuplicateCorrelationKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first := newStoredMessage(t, s, "K1")

	dup := msg.New(ids.NewMessageID(), "payload/2", "svc_op_in_async", routes.AsyncIn, "K1", storeNow)
	err := s.Create(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateCorrelationKey)

	var dke *DuplicateCorrelationKeyError
	require.True(t, errors.As(err, &dke))
	assert.Equal(t, "K1", dke.Key)
	assert.Equal(t, first.ID, dke.ExistingID)

	// The rejected message was never persisted.
	_, err = s.Get(ctx, dup.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_KeyReusableAfterTerminal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first := newStoredMessage(t, s, "K1")
	_, err := s.Transition(ctx, first.ID, msg.Accept())
	require.NoError(t, err)
	_, err = s.Transition(ctx, first.ID, msg.Succeed())
	require.NoError(t, err)

	second := msg.New(ids.NewMessageID(), "payload/2", "svc_op_in_async", routes.AsyncIn, "K1", storeNow)
	assert.NoError(t, s.Create(ctx, second))
}

func TestMemory_KeyBlockedByFailedWarn(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first := newStoredMessage(t, s, "K1")
	_, err := s.Transition(ctx, first.ID, msg.Accept())
	require.NoError(t, err)
	_, err = s.Transition(ctx, first.ID, msg.Exhaust("gave up"))
	require.NoError(t, err)

	second := msg.New(ids.NewMessageID(), "payload/2", "svc_op_in_async", routes.AsyncIn, "K1", storeNow)
	assert.ErrorIs(t, s.Create(ctx, second), ErrDuplicateCorrelationKey)
}

func TestMemory_TransitionValidatesEdge(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := newStoredMessage(t, s, "")

	_, err := s.Transition(ctx, m.ID, msg.Succeed())
	assert.ErrorIs(t, err, msg.ErrInvalidTransition)

	// The rejected event left the record untouched.
	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.StateNew, got.State)

	_, err = s.Transition(ctx, "missing", msg.Accept())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ConcurrentTransitionsOneWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := newStoredMessage(t, s, "")
	_, err := s.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)

	const racers = 32
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(ctx, m.ID, msg.Succeed())
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, msg.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, winners)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.StateOK, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMemory_ConcurrentCreateOneWinnerPerKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := msg.New(ids.NewMessageID(), "payload", "svc_op_in_async", routes.AsyncIn, "K1", storeNow)
			errs[i] = s.Create(ctx, m)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateCorrelationKey)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMemory_FindByCorrelationKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := newStoredMessage(t, s, "K1")
	_, err := s.FindByCorrelationKey(ctx, "K1")
	assert.ErrorIs(t, err, ErrNotFound, "NEW message is not waiting yet")

	_, err = s.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)
	_, err = s.Transition(ctx, m.ID, msg.Dispatch())
	require.NoError(t, err)

	got, err := s.FindByCorrelationKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = s.FindByCorrelationKey(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FindLatestByCorrelationKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first := newStoredMessage(t, s, "K1")
	_, err := s.Transition(ctx, first.ID, msg.Accept())
	require.NoError(t, err)
	settled, err := s.Transition(ctx, first.ID, msg.Succeed())
	require.NoError(t, err)

	got, err := s.FindLatestByCorrelationKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, settled.State, got.State)

	_, err = s.FindLatestByCorrelationKey(ctx, "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FindDueForRetry(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	due := newStoredMessage(t, s, "")
	_, err := s.Transition(ctx, due.ID, msg.Accept())
	require.NoError(t, err)
	_, err = s.Transition(ctx, due.ID, msg.Retry(storeNow.Add(time.Minute), "timeout"))
	require.NoError(t, err)

	later := newStoredMessage(t, s, "")
	_, err = s.Transition(ctx, later.ID, msg.Accept())
	require.NoError(t, err)
	_, err = s.Transition(ctx, later.ID, msg.Retry(storeNow.Add(time.Hour), "timeout"))
	require.NoError(t, err)

	got, err := s.FindDueForRetry(ctx, storeNow.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	got, err = s.FindDueForRetry(ctx, storeNow.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, due.ID, got[0].ID, "earliest due first")

	got, err = s.FindDueForRetry(ctx, storeNow.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemory_Find(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a := newStoredMessage(t, s, "K1")
	b := msg.New(ids.NewMessageID(), "payload/2", "other_route_in", routes.SyncIn, "", storeNow.Add(time.Second))
	require.NoError(t, s.Create(ctx, b))

	got, err := s.Find(ctx, Filter{States: []msg.State{msg.StateNew}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "newest first")

	got, err = s.Find(ctx, Filter{RouteName: "other_route_in"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	got, err = s.Find(ctx, Filter{CorrelationKey: "K1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = s.Find(ctx, Filter{States: []msg.State{msg.StateOK}})
	require.NoError(t, err)
	assert.Empty(t, got)
}
