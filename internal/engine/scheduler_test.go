package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openesb/asyncbus/internal/engine/logging"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/routes"
	"github.com/openesb/asyncbus/internal/engine/store"
)

func TestBackoffPolicy_Delay_MonotoneWithoutJitter(t *testing.T) {
	policy := NewBackoffPolicy(BackoffConfig{
		MaxAttempts:  10,
		BaseInterval: 100 * time.Millisecond,
		Multiplier:   2,
		MaxInterval:  time.Second,
		Jitter:       -1,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 9; attempt++ {
		d := policy.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink at attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
}

func TestBackoffPolicy_Next_ExhaustsAtCeiling(t *testing.T) {
	policy := NewBackoffPolicy(BackoffConfig{MaxAttempts: 3, Jitter: -1})
	now := time.Now()

	next, ok := policy.Next(1, now)
	require.True(t, ok)
	assert.True(t, next.After(now))

	_, ok = policy.Next(2, now)
	require.True(t, ok)

	_, ok = policy.Next(3, now)
	assert.False(t, ok, "attempt ceiling reached")

	_, ok = policy.Next(7, now)
	assert.False(t, ok)
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	policy := NewBackoffPolicy(BackoffConfig{})
	assert.Equal(t, DefaultMaxAttempts, policy.MaxAttempts())
	assert.Greater(t, policy.Delay(1), time.Duration(0))
}

func newSchedulerForTest(t *testing.T, st store.Store, policy *BackoffPolicy, responseTimeout time.Duration, readmit func(ctx context.Context, m msg.Message)) *Scheduler {
	t.Helper()
	if readmit == nil {
		readmit = func(context.Context, msg.Message) {}
	}
	s, err := NewScheduler(SchedulerConfig{
		Store:           st,
		Policy:          policy,
		Logger:          logging.Nop(),
		ResponseTimeout: responseTimeout,
		Readmit:         readmit,
	})
	require.NoError(t, err)
	return s
}

func TestScheduler_Poll_ReadmitsDueMessages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()

	m := msg.New("due-1", "payloads/due-1", "orders_svc_in", routes.SyncIn, "", now.Add(-time.Minute))
	require.NoError(t, st.Create(ctx, m))
	_, err := st.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)
	_, err = st.Transition(ctx, m.ID, msg.Retry(now.Add(-time.Second), "connection reset"))
	require.NoError(t, err)

	var readmitted []msg.Message
	sched := newSchedulerForTest(t, st, NewBackoffPolicy(BackoffConfig{}), 0, func(_ context.Context, m msg.Message) {
		readmitted = append(readmitted, m)
	})

	require.NoError(t, sched.Poll(ctx, now))
	require.Len(t, readmitted, 1)
	assert.Equal(t, msg.StateProcessing, readmitted[0].State)
	assert.Equal(t, 2, readmitted[0].AttemptCount)
	assert.True(t, readmitted[0].NextAttemptAt.IsZero())

	// The message is no longer due, a second poll is a no-op.
	readmitted = nil
	require.NoError(t, sched.Poll(ctx, now))
	assert.Empty(t, readmitted)
}

func TestScheduler_Poll_SkipsNotYetDue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()

	m := msg.New("future-1", "payloads/future-1", "orders_svc_in", routes.SyncIn, "", now)
	require.NoError(t, st.Create(ctx, m))
	_, err := st.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)
	_, err = st.Transition(ctx, m.ID, msg.Retry(now.Add(time.Hour), "connection reset"))
	require.NoError(t, err)

	var readmitted []msg.Message
	sched := newSchedulerForTest(t, st, NewBackoffPolicy(BackoffConfig{}), 0, func(_ context.Context, m msg.Message) {
		readmitted = append(readmitted, m)
	})

	require.NoError(t, sched.Poll(ctx, now))
	assert.Empty(t, readmitted)
}

func TestScheduler_SweepResponseTimeouts_RetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()

	m := msg.New("wait-1", "payloads/wait-1", "orders_erp_out_async", routes.AsyncOut, "order-1", now)
	require.NoError(t, st.Create(ctx, m))
	_, err := st.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)
	_, err = st.Transition(ctx, m.ID, msg.Dispatch())
	require.NoError(t, err)

	policy := NewBackoffPolicy(BackoffConfig{MaxAttempts: 2, Jitter: -1})
	sched := newSchedulerForTest(t, st, policy, time.Minute, nil)

	// The store stamps LastUpdatedAt itself, so the freshly dispatched
	// message is not stale yet.
	require.NoError(t, sched.SweepResponseTimeouts(ctx, now))
	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, msg.StateWaitingForResponse, got.State)

	// Sweeping well past the timeout: attempt 1 of 2, so the missing
	// response schedules a retry.
	require.NoError(t, sched.SweepResponseTimeouts(ctx, now.Add(2*time.Minute)))
	got, err = st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.StatePartlyFailed, got.State)
	assert.False(t, got.NextAttemptAt.IsZero())
	assert.Contains(t, got.LastError, "no response within")

	// Drive the retry back to WAITING and exhaust it on the next sweep.
	_, err = st.Transition(ctx, m.ID, msg.Readmit())
	require.NoError(t, err)
	_, err = st.Transition(ctx, m.ID, msg.Dispatch())
	require.NoError(t, err)

	require.NoError(t, sched.SweepResponseTimeouts(ctx, now.Add(2*time.Hour)))
	got, err = st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.StateFailedWarn, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	assert.True(t, got.NextAttemptAt.IsZero())
}

func TestScheduler_SweepResponseTimeouts_DisabledWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()

	m := msg.New("wait-2", "payloads/wait-2", "orders_erp_out_async", routes.AsyncOut, "order-2", now.Add(-time.Hour))
	require.NoError(t, st.Create(ctx, m))
	_, err := st.Transition(ctx, m.ID, msg.Accept())
	require.NoError(t, err)
	_, err = st.Transition(ctx, m.ID, msg.Dispatch())
	require.NoError(t, err)

	sched := newSchedulerForTest(t, st, NewBackoffPolicy(BackoffConfig{}), 0, nil)
	require.NoError(t, sched.SweepResponseTimeouts(ctx, now))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.StateWaitingForResponse, got.State)
}

func TestNewScheduler_Validation(t *testing.T) {
	readmit := func(context.Context, msg.Message) {}
	policy := NewBackoffPolicy(BackoffConfig{})

	_, err := NewScheduler(SchedulerConfig{Policy: policy, Readmit: readmit})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Store: store.NewMemory(), Readmit: readmit})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Store: store.NewMemory(), Policy: policy})
	assert.Error(t, err)
}
