// Package engine implements the asynchronous message lifecycle engine: the
// inbound service contract, the processing pipeline, retry scheduling and
// response correlation.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openesb/asyncbus/internal/engine/catalog"
	"github.com/openesb/asyncbus/internal/engine/classify"
	configpkg "github.com/openesb/asyncbus/internal/engine/config"
	errorspkg "github.com/openesb/asyncbus/internal/engine/errors"
	idspkg "github.com/openesb/asyncbus/internal/engine/ids"
	loggingpkg "github.com/openesb/asyncbus/internal/engine/logging"
	"github.com/openesb/asyncbus/internal/engine/msg"
	"github.com/openesb/asyncbus/internal/engine/routes"
	"github.com/openesb/asyncbus/internal/engine/store"
	transportpkg "github.com/openesb/asyncbus/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// processTopic carries re-admitted message IDs to the processing workers.
const processTopic = "asyncbus.process"

// Handler processes one attempt of a message on its route. Returning nil
// settles a synchronous message as OK; on an asynchronous route it moves the
// message to WAITING_FOR_RESPONSE and triggers the outbound dispatch. A returned
// error is classified to decide between FAILED, a scheduled retry, and
// FAILED_WARN exhaustion.
type Handler func(ctx context.Context, m msg.Message) error

// RouteRegistration declares a processing route. The route type is resolved
// from the name and URI; unresolvable routes are processed as non-retryable,
// non-correlated pass-through.
type RouteRegistration struct {
	Name    string
	URI     string
	Handler Handler
}

type routeEntry struct {
	handler   Handler
	routeType routes.RouteType
}

// ServiceDependencies holds the optional collaborators that the Service can
// use. Leave fields nil to take the configuration-driven defaults.
type ServiceDependencies struct {
	// Store overrides the configuration-selected message store.
	Store store.Store
	// Dispatcher overrides the configuration-selected outbound dispatcher.
	Dispatcher transportpkg.Dispatcher
	// DispatcherFactory overrides the default transport registry.
	DispatcherFactory *transportpkg.Registry
	// ClassifierRules are inserted between the built-in validation/business
	// rules and the transient allow-list.
	ClassifierRules []classify.Rule
	// Hooks observe processing attempts.
	Hooks LifecycleHooks
	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips registering the default chain when true.
	DisableDefaultMiddlewares bool
	// Metrics overrides the default collectors; useful in tests with a
	// private prometheus registry.
	Metrics *Metrics
	// Catalog overrides the default catalog registry.
	Catalog *catalog.Registry
}

// Service wires the message store, the classification and retry policies, the
// correlator and a Watermill router into the engine's public contract.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store      store.Store
	classifier *classify.Classifier
	resolver   *routes.Classifier
	policy     *BackoffPolicy
	correlator *Correlator
	scheduler  *Scheduler
	dispatcher transportpkg.Dispatcher
	hooks      LifecycleHooks
	metrics    *Metrics
	catalog    *catalog.Registry

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	handlers   map[string]*routeEntry
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started   bool
	startedMu sync.Mutex

	nowFunc func() time.Time
}

// NewService constructs a Service for the supplied configuration, panicking
// on invalid wiring. Register routes on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService with an error return instead of a panic.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errorspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errorspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating lifecycle engine", loggingpkg.LogFields{
		"store_backend":   conf.StoreBackend,
		"dispatch_system": conf.DispatchSystem,
		"config":          conf,
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		classifier: classify.NewClassifier(deps.ClassifierRules...),
		resolver:   routes.NewClassifier(nil),
		policy: NewBackoffPolicy(BackoffConfig{
			MaxAttempts:  conf.RetryMaxAttempts,
			BaseInterval: conf.RetryBaseInterval,
			Multiplier:   conf.RetryMultiplier,
			MaxInterval:  conf.RetryMaxInterval,
			Jitter:       conf.RetryJitter,
		}),
		hooks:    deps.Hooks,
		metrics:  deps.Metrics,
		catalog:  deps.Catalog,
		handlers: make(map[string]*routeEntry),
		nowFunc:  time.Now,
	}
	if s.metrics == nil && conf.MetricsEnabled {
		s.metrics = NewMetrics(prometheus.DefaultRegisterer)
	}
	if s.catalog == nil {
		s.catalog = catalog.NewRegistry()
	}

	st, err := buildStore(conf, deps)
	if err != nil {
		return nil, err
	}
	s.store = st

	dispatcher, err := buildDispatcher(ctx, conf, deps, wmLogger)
	if err != nil {
		return nil, err
	}
	s.dispatcher = dispatcher

	s.correlator, err = NewCorrelator(s.store, s.classifier, s.policy, log, s.metrics)
	if err != nil {
		return nil, err
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(conf.WorkerCount),
	}, wmLogger)
	s.publisher = pubSub
	s.subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.router.AddNoPublisherHandler("process_attempts", processTopic, s.subscriber, s.handleProcessMessage)

	s.scheduler, err = NewScheduler(SchedulerConfig{
		Store:           s.store,
		Policy:          s.policy,
		Logger:          log,
		Metrics:         s.metrics,
		PollInterval:    conf.PollInterval,
		ResponseTimeout: conf.ResponseTimeout,
		Readmit:         s.publishProcess,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func buildStore(conf *configpkg.Config, deps ServiceDependencies) (store.Store, error) {
	if deps.Store != nil {
		return deps.Store, nil
	}
	switch strings.ToLower(conf.StoreBackend) {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(store.SQLiteConfig{FilePath: conf.SQLiteFile})
	case "postgres":
		return store.NewPostgres(store.PostgresConfig{ConnectionString: conf.PostgresURL})
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", errorspkg.ErrStoreRequired, conf.StoreBackend)
	}
}

func buildDispatcher(ctx context.Context, conf *configpkg.Config, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) (transportpkg.Dispatcher, error) {
	if deps.Dispatcher != nil {
		return deps.Dispatcher, nil
	}
	if conf.DispatchSystem == "" {
		return nil, nil
	}
	registry := deps.DispatcherFactory
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	d, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errorspkg.ErrDispatcherRequired, err)
	}
	return d, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterRoute declares a processing route. Routes are usually registered
// once before Start; registering the same name again replaces the handler.
func (s *Service) RegisterRoute(reg RouteRegistration) error {
	if reg.Name == "" {
		return errorspkg.ErrRouteNameRequired
	}
	if reg.Handler == nil {
		return errorspkg.ErrHandlerRequired
	}

	rt, ok := s.resolver.Classify(routes.RouteTypeInfo{RouteID: reg.Name, URI: reg.URI})
	if !ok {
		s.Logger.Info("Route type unresolved, treating as pass-through", loggingpkg.LogFields{
			"route": reg.Name,
		})
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[reg.Name] = &routeEntry{handler: reg.Handler, routeType: rt}
	return nil
}

func (s *Service) routeFor(name string) (*routeEntry, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	e, ok := s.handlers[name]
	return e, ok
}

// SubmitRequest describes a message entering the engine.
type SubmitRequest struct {
	RouteName      string
	PayloadRef     string
	CorrelationKey string
}

// Handle reports where a submitted message ended up. For synchronous routes
// State is terminal; for asynchronous routes it is WAITING_FOR_RESPONSE
// unless the first attempt already failed.
type Handle struct {
	MessageID      string
	CorrelationKey string
	State          msg.State
}

// Submit persists the message and runs its first processing attempt. The
// caller acts as the worker for attempt 1: synchronous routes settle to
// OK/FAILED before Submit returns, asynchronous routes stop at
// WAITING_FOR_RESPONSE. Duplicate correlation keys are rejected before any
// processing happens.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	if req.PayloadRef == "" {
		return Handle{}, errorspkg.ErrPayloadRequired
	}
	if req.RouteName == "" {
		return Handle{}, errorspkg.ErrRouteNameRequired
	}
	entry, ok := s.routeFor(req.RouteName)
	if !ok {
		return Handle{}, fmt.Errorf("%w: route %q is not registered", errorspkg.ErrHandlerRequired, req.RouteName)
	}

	m := msg.New(idspkg.NewMessageID(), req.PayloadRef, req.RouteName, entry.routeType, req.CorrelationKey, s.nowFunc())
	if err := s.store.Create(ctx, m); err != nil {
		return Handle{}, err
	}
	s.metrics.observeTransition("", msg.StateNew)

	accepted, err := s.store.Transition(ctx, m.ID, msg.Accept())
	if err != nil {
		// Cancelled between create and accept; report what stands.
		current, gerr := s.store.Get(ctx, m.ID)
		if gerr != nil {
			return Handle{MessageID: m.ID, CorrelationKey: m.CorrelationKey}, err
		}
		return Handle{MessageID: m.ID, CorrelationKey: m.CorrelationKey, State: current.State}, nil
	}
	s.metrics.observeTransition(msg.StateNew, msg.StateProcessing)

	final := s.runAttempt(ctx, accepted)
	return Handle{MessageID: m.ID, CorrelationKey: m.CorrelationKey, State: final.State}, nil
}

// runAttempt executes the route handler for a PROCESSING message and settles
// the attempt's outcome through the store.
func (s *Service) runAttempt(ctx context.Context, m msg.Message) msg.Message {
	start := s.nowFunc()
	actx := AttemptContext{
		MessageID: m.ID,
		RouteName: m.RouteName,
		Attempt:   m.AttemptCount,
		Context:   ctx,
		StartedAt: start,
	}
	s.hooks.fireStart(actx)
	s.metrics.attemptStarted()
	defer s.metrics.attemptFinished()

	var handlerErr error
	entry, ok := s.routeFor(m.RouteName)
	if !ok || entry.handler == nil {
		// A message for an unregistered route is a wiring bug, never retried.
		handlerErr = fmt.Errorf("%w: no handler for route %q", errorspkg.ErrHandlerRequired, m.RouteName)
	} else {
		handlerErr = entry.handler(ctx, m)
	}

	var (
		updated msg.Message
		terr    error
		from    = msg.StateProcessing
	)
	switch {
	case handlerErr == nil && m.Route.Correlated():
		// Commit WAITING_FOR_RESPONSE before the outbound send, so a response
		// racing the dispatch call already finds the waiting record.
		updated, terr = s.store.Transition(ctx, m.ID, msg.Dispatch())
		if terr == nil {
			if handlerErr = s.dispatch(ctx, updated); handlerErr != nil {
				s.metrics.observeTransition(from, updated.State)
				from = updated.State
				updated, terr = s.settleFailure(ctx, updated, handlerErr)
			}
		}
	case handlerErr == nil:
		updated, terr = s.store.Transition(ctx, m.ID, msg.Succeed())
	default:
		updated, terr = s.settleFailure(ctx, m, handlerErr)
	}
	if terr != nil {
		// Lost a race against cancel or a concurrent settle; the standing
		// record wins.
		s.Logger.Error("Attempt outcome lost a transition race", terr, loggingpkg.LogFields{
			"message_id": m.ID,
		})
		if current, gerr := s.store.Get(ctx, m.ID); gerr == nil {
			updated = current
		}
	} else {
		s.metrics.observeTransition(from, updated.State)
	}

	actx.Duration = s.nowFunc().Sub(start)
	actx.State = updated.State
	if handlerErr != nil {
		s.hooks.fireError(actx, handlerErr)
	} else {
		s.hooks.fireDone(actx)
	}
	return updated
}

// settleFailure classifies the error and applies retry policy.
func (s *Service) settleFailure(ctx context.Context, m msg.Message, cause error) (msg.Message, error) {
	classification := s.classifier.Classify(cause)
	if classification.Kind.Retryable() && m.Retryable() {
		if next, ok := s.policy.Next(m.AttemptCount, s.nowFunc()); ok {
			s.metrics.observeRetry("scheduled")
			return s.store.Transition(ctx, m.ID, msg.Retry(next, cause.Error()))
		}
		s.metrics.observeRetry("exhausted")
		return s.store.Transition(ctx, m.ID, msg.Exhaust(cause.Error()))
	}
	return s.store.Transition(ctx, m.ID, msg.FailFatal(classification.Kind, cause.Error()))
}

// dispatch hands the message to the outbound dispatcher, when one is wired.
// Routes whose handlers deliver on their own run without a dispatcher.
func (s *Service) dispatch(ctx context.Context, m msg.Message) error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Dispatch(ctx, transportpkg.Delivery{
		MessageID:      m.ID,
		CorrelationKey: m.CorrelationKey,
		Target:         m.RouteName,
		PayloadRef:     m.PayloadRef,
		Metadata: map[string]string{
			"attempt": strconv.Itoa(m.AttemptCount),
		},
	})
}

// publishProcess feeds a re-admitted PROCESSING message to the router workers.
func (s *Service) publishProcess(ctx context.Context, m msg.Message) {
	wm := message.NewMessage(idspkg.NewMessageID(), []byte(m.ID))
	wm.SetContext(ctx)
	wm.Metadata.Set(metadataMessageID, m.ID)
	wm.Metadata.Set(metadataRouteName, m.RouteName)
	wm.Metadata.Set(metadataAttempt, strconv.Itoa(m.AttemptCount))
	if err := s.publisher.Publish(processTopic, wm); err != nil {
		s.Logger.Error("Failed to publish re-admitted message", err, loggingpkg.LogFields{
			"message_id": m.ID,
		})
	}
}

// handleProcessMessage is the router handler draining the process topic.
func (s *Service) handleProcessMessage(wm *message.Message) error {
	id := string(wm.Payload)
	m, err := s.store.Get(wm.Context(), id)
	if err != nil {
		s.Logger.Error("Re-admitted message not found", err, loggingpkg.LogFields{"message_id": id})
		return nil
	}
	if m.State != msg.StateProcessing {
		// Settled or cancelled while queued.
		return nil
	}
	s.runAttempt(wm.Context(), m)
	return nil
}

// Correlate joins a downstream response to its waiting message by key.
func (s *Service) Correlate(ctx context.Context, key string, outcome Outcome) (CorrelationResult, error) {
	return s.correlator.Correlate(ctx, key, outcome)
}

// Cancel cancels a non-terminal message. Responses arriving afterwards for
// its correlation key are late responses.
func (s *Service) Cancel(ctx context.Context, id string) (msg.Message, error) {
	cancelled, err := s.store.Transition(ctx, id, msg.Cancel())
	if err != nil {
		return msg.Message{}, err
	}
	s.metrics.observeTransition("", msg.StateCancelled)
	s.Logger.Info("Cancelled message", loggingpkg.LogFields{"message_id": id})
	return cancelled, nil
}

// Restart re-admits a FAILED_WARN message as PARTLY_FAILED due immediately;
// the scheduler picks it up on its next poll.
func (s *Service) Restart(ctx context.Context, id string) (msg.Message, error) {
	restarted, err := s.store.Transition(ctx, id, msg.Restart(s.nowFunc()))
	if err != nil {
		return msg.Message{}, err
	}
	s.metrics.observeTransition(msg.StateFailedWarn, msg.StatePartlyFailed)
	s.Logger.Info("Restarted message", loggingpkg.LogFields{"message_id": id})
	return restarted, nil
}

// Get returns the message by ID.
func (s *Service) Get(ctx context.Context, id string) (msg.Message, error) {
	return s.store.Get(ctx, id)
}

// Find returns messages matching the filter, newest first.
func (s *Service) Find(ctx context.Context, f store.Filter) ([]msg.Message, error) {
	return s.store.Find(ctx, f)
}

// Catalog returns the engine's catalog registry.
func (s *Service) Catalog() *catalog.Registry {
	return s.catalog
}

// Scheduler exposes the retry scheduler, mainly for tests and embedders that
// drive polling themselves.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Start runs the scheduler and the underlying Watermill router until the
// provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startedMu.Lock()
	if s.started {
		s.startedMu.Unlock()
		return errorspkg.ErrServiceStarted
	}
	s.started = true
	s.startedMu.Unlock()

	s.startHTTPServers()
	go s.scheduler.Run(ctx)
	return routerRun(s.router, ctx)
}

// Running is closed when the router is up and subscribed.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
