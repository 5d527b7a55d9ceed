package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openesb/asyncbus/internal/engine/logging"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/store"
)

const (
	// DefaultMaxAttempts is the processing attempt ceiling.
	DefaultMaxAttempts = 3
	// DefaultPollInterval drives retry re-admission and the response sweep.
	DefaultPollInterval = time.Second
	// DefaultPollBatchSize caps how many due messages one poll re-admits.
	DefaultPollBatchSize = 100
)

// BackoffConfig tunes the retry backoff. Zero values fall back to the
// backoff library defaults (500ms base, 1.5 multiplier, 60s cap, 0.5 jitter).
type BackoffConfig struct {
	MaxAttempts  int
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	// Jitter is the randomization factor in [0, 1). Negative disables jitter.
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = backoff.DefaultInitialInterval
	}
	if c.Multiplier <= 0 {
		c.Multiplier = backoff.DefaultMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = backoff.DefaultMaxInterval
	}
	if c.Jitter == 0 {
		c.Jitter = backoff.DefaultRandomizationFactor
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// BackoffPolicy computes retry schedules and owns the attempt ceiling.
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy builds a policy with defaults applied to zero values.
func NewBackoffPolicy(cfg BackoffConfig) *BackoffPolicy {
	return &BackoffPolicy{config: cfg.withDefaults()}
}

// MaxAttempts returns the configured attempt ceiling.
func (p *BackoffPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// Next returns the time of the attempt following the given failed attempt
// number. ok is false once the ceiling is reached: the message has used all
// its attempts and must move to FAILED_WARN instead of being re-scheduled.
func (p *BackoffPolicy) Next(attempt int, now time.Time) (time.Time, bool) {
	if attempt >= p.config.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempt)), true
}

// Delay returns the backoff delay after the given failed attempt number.
// Without jitter the sequence is monotone non-decreasing up to the cap.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.config.BaseInterval
	eb.Multiplier = p.config.Multiplier
	eb.MaxInterval = p.config.MaxInterval
	eb.RandomizationFactor = p.config.Jitter
	eb.Reset()

	// NextBackOff steps the exponential series; the delay after attempt n
	// is the n-th step.
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Scheduler periodically re-admits due PARTLY_FAILED messages into the
// processing pipeline and sweeps WAITING_FOR_RESPONSE messages past the
// response timeout.
type Scheduler struct {
	store           store.Store
	policy          *BackoffPolicy
	logger          logging.ServiceLogger
	metrics         *Metrics
	interval        time.Duration
	responseTimeout time.Duration
	batchSize       int
	nowFunc         func() time.Time

	// readmit hands a freshly re-admitted PROCESSING message to the worker
	// pipeline.
	readmit func(ctx context.Context, m msg.Message)
}

// SchedulerConfig wires the scheduler collaborators.
type SchedulerConfig struct {
	Store           store.Store
	Policy          *BackoffPolicy
	Logger          logging.ServiceLogger
	Metrics         *Metrics
	PollInterval    time.Duration
	ResponseTimeout time.Duration
	BatchSize       int
	Readmit         func(ctx context.Context, m msg.Message)
}

// NewScheduler builds a scheduler. Store, Policy and Readmit are required.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("asyncbus: scheduler requires a store")
	}
	if cfg.Policy == nil {
		return nil, errors.New("asyncbus: scheduler requires a backoff policy")
	}
	if cfg.Readmit == nil {
		return nil, errors.New("asyncbus: scheduler requires a readmit callback")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPollBatchSize
	}
	return &Scheduler{
		store:           cfg.Store,
		policy:          cfg.Policy,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		interval:        cfg.PollInterval,
		responseTimeout: cfg.ResponseTimeout,
		batchSize:       cfg.BatchSize,
		nowFunc:         time.Now,
		readmit:         cfg.Readmit,
	}, nil
}

// Run drives Poll and the response sweep on a ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.nowFunc()
			if err := s.Poll(ctx, now); err != nil {
				s.logger.Error("Retry poll failed", err, nil)
			}
			if err := s.SweepResponseTimeouts(ctx, now); err != nil {
				s.logger.Error("Response timeout sweep failed", err, nil)
			}
		}
	}
}

// Poll re-admits due messages. Each re-admission goes through the locked
// PARTLY_FAILED -> PROCESSING transition, so a message is picked up at most
// once per due cycle even with concurrent scheduler runs.
func (s *Scheduler) Poll(ctx context.Context, now time.Time) error {
	due, err := s.store.FindDueForRetry(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("find due for retry: %w", err)
	}

	for _, m := range due {
		readmitted, err := s.store.Transition(ctx, m.ID, msg.Readmit())
		if errors.Is(err, msg.ErrInvalidTransition) {
			// Another scheduler run or an operator got here first.
			continue
		}
		if err != nil {
			s.logger.Error("Failed to re-admit message", err, logging.LogFields{"message_id": m.ID})
			continue
		}
		s.metrics.observeTransition(msg.StatePartlyFailed, msg.StateProcessing)
		s.logger.Debug("Re-admitted message for retry", logging.LogFields{
			"message_id": readmitted.ID,
			"attempt":    readmitted.AttemptCount,
		})
		s.readmit(ctx, readmitted)
	}
	return nil
}

// SweepResponseTimeouts treats WAITING_FOR_RESPONSE messages older than the
// response timeout as recoverable failures: they are re-scheduled with
// backoff, or exhausted to FAILED_WARN once the attempt ceiling is reached.
func (s *Scheduler) SweepResponseTimeouts(ctx context.Context, now time.Time) error {
	if s.responseTimeout <= 0 {
		return nil
	}
	stale, err := s.store.FindResponseTimeouts(ctx, now.Add(-s.responseTimeout), s.batchSize)
	if err != nil {
		return fmt.Errorf("find response timeouts: %w", err)
	}

	for _, m := range stale {
		cause := fmt.Sprintf("no response within %s", s.responseTimeout)
		next, ok := s.policy.Next(m.AttemptCount, now)

		var ev msg.Event
		if ok {
			ev = msg.Retry(next, cause)
		} else {
			ev = msg.Exhaust(cause)
		}

		updated, err := s.store.Transition(ctx, m.ID, ev)
		if errors.Is(err, msg.ErrInvalidTransition) {
			// The response arrived between the query and the transition.
			continue
		}
		if err != nil {
			s.logger.Error("Failed to time out waiting message", err, logging.LogFields{"message_id": m.ID})
			continue
		}

		s.metrics.observeTransition(msg.StateWaitingForResponse, updated.State)
		if ok {
			s.metrics.observeRetry("scheduled")
		} else {
			s.metrics.observeRetry("exhausted")
		}
		s.logger.Info("Timed out waiting message", logging.LogFields{
			"message_id": m.ID,
			"attempt":    m.AttemptCount,
			"state":      string(updated.State),
		})
	}
	return nil
}
