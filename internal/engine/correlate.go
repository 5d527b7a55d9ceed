package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openesb/asyncbus/internal/engine/classify"
	"github.com/openesb/asyncbus/internal/engine/logging"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/store"
)

// Outcome is the result a downstream system reports for a dispatched
// message. A nil Err means success. ResponseRef optionally points at the
// stored response body.
type Outcome struct {
	Err         error
	ResponseRef string
}

// CorrelationStatus says what happened to a correlated response.
type CorrelationStatus string

const (
	// Correlated means the outcome was applied to the waiting message.
	Correlated CorrelationStatus = "correlated"

	// OrphanResponse means no message ever held the correlation key. The
	// response is logged and discarded; this is expected under network
	// retries and misrouted traffic, never fatal.
	OrphanResponse CorrelationStatus = "orphan"

	// LateResponse means the key is known but its message already settled.
	// The standing outcome is never overwritten; duplicate deliveries of an
	// already-correlated response land here.
	LateResponse CorrelationStatus = "late"
)

// CorrelationResult reports how a response was handled.
type CorrelationResult struct {
	Status    CorrelationStatus
	MessageID string
	State     msg.State
}

// Correlator joins asynchronous responses to their waiting messages.
type Correlator struct {
	store      store.Store
	classifier *classify.Classifier
	policy     *BackoffPolicy
	logger     logging.ServiceLogger
	metrics    *Metrics
	nowFunc    func() time.Time
}

// NewCorrelator wires a correlator. Store, classifier and policy are
// required; logger defaults to the no-op logger.
func NewCorrelator(st store.Store, cl *classify.Classifier, policy *BackoffPolicy, logger logging.ServiceLogger, metrics *Metrics) (*Correlator, error) {
	if st == nil {
		return nil, errors.New("asyncbus: correlator requires a store")
	}
	if cl == nil {
		return nil, errors.New("asyncbus: correlator requires a classifier")
	}
	if policy == nil {
		return nil, errors.New("asyncbus: correlator requires a backoff policy")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Correlator{
		store:      st,
		classifier: cl,
		policy:     policy,
		logger:     logger,
		metrics:    metrics,
		nowFunc:    time.Now,
	}, nil
}

// Correlate applies the outcome to the message waiting under key. It is
// idempotent under duplicate delivery: once the message settles, every
// further delivery for the key reports LateResponse and mutates nothing.
// Orphan and late responses are results, not errors; the error return is
// reserved for store failures.
func (c *Correlator) Correlate(ctx context.Context, key string, outcome Outcome) (CorrelationResult, error) {
	if key == "" {
		c.observe(OrphanResponse, nil)
		return CorrelationResult{Status: OrphanResponse}, nil
	}

	waiting, err := c.store.FindByCorrelationKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return c.resolveMiss(ctx, key)
	}
	if err != nil {
		return CorrelationResult{}, fmt.Errorf("lookup correlation key: %w", err)
	}

	updated, err := c.store.Transition(ctx, waiting.ID, c.outcomeEvent(waiting, outcome))
	if errors.Is(err, msg.ErrInvalidTransition) {
		// Lost the race against a duplicate delivery, a cancel, or the
		// timeout sweep: the message settled first, so this delivery is
		// late by definition.
		return c.lateResult(ctx, key)
	}
	if err != nil {
		return CorrelationResult{}, fmt.Errorf("apply correlated outcome: %w", err)
	}

	c.observe(Correlated, logging.LogFields{
		"correlation_key": key,
		"state":           string(updated.State),
	})
	c.metrics.observeTransition(msg.StateWaitingForResponse, updated.State)
	return CorrelationResult{Status: Correlated, MessageID: updated.ID, State: updated.State}, nil
}

// outcomeEvent translates the reported outcome into a lifecycle event using
// the same classification rules as inline processing.
func (c *Correlator) outcomeEvent(waiting msg.Message, outcome Outcome) msg.Event {
	if outcome.Err == nil {
		return msg.Succeed()
	}

	classification := c.classifier.Classify(outcome.Err)
	if classification.Kind.Retryable() && waiting.Retryable() {
		if next, ok := c.policy.Next(waiting.AttemptCount, c.nowFunc()); ok {
			c.metrics.observeRetry("scheduled")
			return msg.Retry(next, outcome.Err.Error())
		}
		c.metrics.observeRetry("exhausted")
		return msg.Exhaust(outcome.Err.Error())
	}
	return msg.FailFatal(classification.Kind, outcome.Err.Error())
}

// resolveMiss distinguishes an orphan (key never seen) from a late response
// (key known, message no longer waiting).
func (c *Correlator) resolveMiss(ctx context.Context, key string) (CorrelationResult, error) {
	latest, err := c.store.FindLatestByCorrelationKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		c.observe(OrphanResponse, logging.LogFields{"correlation_key": key})
		return CorrelationResult{Status: OrphanResponse}, nil
	}
	if err != nil {
		return CorrelationResult{}, fmt.Errorf("lookup correlation key history: %w", err)
	}

	c.observe(LateResponse, logging.LogFields{
		"correlation_key": key,
		"state":           string(latest.State),
	})
	return CorrelationResult{Status: LateResponse, MessageID: latest.ID, State: latest.State}, nil
}

func (c *Correlator) lateResult(ctx context.Context, key string) (CorrelationResult, error) {
	latest, err := c.store.FindLatestByCorrelationKey(ctx, key)
	if err != nil {
		c.observe(LateResponse, logging.LogFields{"correlation_key": key})
		return CorrelationResult{Status: LateResponse}, nil
	}
	c.observe(LateResponse, logging.LogFields{
		"correlation_key": key,
		"state":           string(latest.State),
	})
	return CorrelationResult{Status: LateResponse, MessageID: latest.ID, State: latest.State}, nil
}

func (c *Correlator) observe(status CorrelationStatus, fields logging.LogFields) {
	c.metrics.observeCorrelation(string(status))
	switch status {
	case Correlated:
		c.logger.Debug("Correlated response", fields)
	case OrphanResponse:
		c.logger.Info("Discarded orphan response", fields)
	case LateResponse:
		c.logger.Info("Discarded late response", fields)
	}
}
