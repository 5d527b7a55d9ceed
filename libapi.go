package asyncbus

import (
	enginepkg "github.com/openesb/asyncbus/internal/engine"
	catalogpkg "github.com/openesb/asyncbus/internal/engine/catalog"
	classifypkg "github.com/openesb/asyncbus/internal/engine/classify"
	configpkg "github.com/openesb/asyncbus/internal/engine/config"
	errspkg "github.com/openesb/asyncbus/internal/engine/errors"
	idspkg "github.com/openesb/asyncbus/internal/engine/ids"
	jsoncodec "github.com/openesb/asyncbus/internal/engine/jsoncodec"
	loggingpkg "github.com/openesb/asyncbus/internal/engine/logging"
	msgpkg "github.com/openesb/asyncbus/internal/engine/msg"
	routespkg "github.com/openesb/asyncbus/internal/engine/routes"
	storepkg "github.com/openesb/asyncbus/internal/engine/store"
	transportpkg "github.com/openesb/asyncbus/transport"
)

type (
	Config              = configpkg.Config
	Service             = enginepkg.Service
	ServiceDependencies = enginepkg.ServiceDependencies

	Handler           = enginepkg.Handler
	RouteRegistration = enginepkg.RouteRegistration
	SubmitRequest     = enginepkg.SubmitRequest
	Handle            = enginepkg.Handle

	Outcome           = enginepkg.Outcome
	CorrelationStatus = enginepkg.CorrelationStatus
	CorrelationResult = enginepkg.CorrelationResult

	BackoffConfig = enginepkg.BackoffConfig
	BackoffPolicy = enginepkg.BackoffPolicy
	Scheduler     = enginepkg.Scheduler

	MiddlewareBuilder      = enginepkg.MiddlewareBuilder
	MiddlewareRegistration = enginepkg.MiddlewareRegistration

	// Attempt lifecycle hooks
	AttemptContext = enginepkg.AttemptContext
	LifecycleHooks = enginepkg.LifecycleHooks

	Message = msgpkg.Message
	State   = msgpkg.State
	Event   = msgpkg.Event

	ErrorKind           = classifypkg.Kind
	Classification      = classifypkg.Classification
	ClassifierRule      = classifypkg.Rule
	ValidationError     = classifypkg.ValidationError
	BusinessError       = classifypkg.BusinessError
	TransientError      = classifypkg.TransientError
	InvalidTransition   = msgpkg.InvalidTransitionError
	DuplicateKeyError   = storepkg.DuplicateCorrelationKeyError

	RouteType     = routespkg.RouteType
	RouteTypeInfo = routespkg.RouteTypeInfo
	RouteResolver = routespkg.Resolver

	Store       = storepkg.Store
	StoreFilter = storepkg.Filter

	CatalogEntry   = catalogpkg.Entry
	CatalogService = catalogpkg.Service

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Dispatch types (transport package)
	Dispatcher         = transportpkg.Dispatcher
	Delivery           = transportpkg.Delivery
	DispatcherBuilder  = transportpkg.Builder
	DispatcherConfig   = transportpkg.Config
	DispatcherRegistry = transportpkg.Registry
)

// Lifecycle states.
const (
	StateNew                = msgpkg.StateNew
	StateProcessing         = msgpkg.StateProcessing
	StateWaitingForResponse = msgpkg.StateWaitingForResponse
	StateOK                 = msgpkg.StateOK
	StateFailed             = msgpkg.StateFailed
	StateFailedWarn         = msgpkg.StateFailedWarn
	StateCancelled          = msgpkg.StateCancelled
	StatePartlyFailed       = msgpkg.StatePartlyFailed
)

// Error classification kinds.
const (
	KindValidation         = classifypkg.KindValidation
	KindBusiness           = classifypkg.KindBusiness
	KindTechnicalRetryable = classifypkg.KindTechnicalRetryable
	KindTechnicalFatal     = classifypkg.KindTechnicalFatal
)

// Correlation statuses.
const (
	Correlated     = enginepkg.Correlated
	OrphanResponse = enginepkg.OrphanResponse
	LateResponse   = enginepkg.LateResponse
)

var (
	NewService     = enginepkg.NewService
	TryNewService  = enginepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares    = enginepkg.DefaultMiddlewares
	TraceIDMiddleware     = enginepkg.TraceIDMiddleware
	LogMessagesMiddleware = enginepkg.LogMessagesMiddleware
	TracerMiddleware      = enginepkg.TracerMiddleware
	MetricsMiddleware     = enginepkg.MetricsMiddleware
	RecovererMiddleware   = enginepkg.RecovererMiddleware

	// Attempt lifecycle hooks
	LoggingHooks  = enginepkg.LoggingHooks
	MetricsHooks  = enginepkg.MetricsHooks
	AlertingHooks = enginepkg.AlertingHooks

	NewBackoffPolicy = enginepkg.NewBackoffPolicy

	// Error classification: typed constructors and sentinel markers.
	ValidationFailure = classifypkg.Validation
	BusinessFailure   = classifypkg.Business
	TransientFailure  = classifypkg.Transient
	ErrValidation     = classifypkg.ErrValidation
	ErrBusiness       = classifypkg.ErrBusiness
	ErrTransient      = classifypkg.ErrTransient

	// Stores
	NewMemoryStore   = storepkg.NewMemory
	NewSQLiteStore   = storepkg.NewSQLite
	NewPostgresStore = storepkg.NewPostgres

	ErrMessageNotFound         = storepkg.ErrNotFound
	ErrDuplicateCorrelationKey = storepkg.ErrDuplicateCorrelationKey
	ErrInvalidTransition       = msgpkg.ErrInvalidTransition

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrStoreRequired      = errspkg.ErrStoreRequired
	ErrDispatcherRequired = errspkg.ErrDispatcherRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrRouteNameRequired  = errspkg.ErrRouteNameRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrServiceStarted     = errspkg.ErrServiceStarted

	// Catalog
	NewCatalogRegistry = catalogpkg.NewRegistry
	ErrorsCatalog      = catalogpkg.ErrorsCatalog
	ErrCatalogNotFound = catalogpkg.ErrCatalogNotFound

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewMessageID = idspkg.NewMessageID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	// Modular dispatcher registry.
	// Import individual dispatchers via: _ "github.com/openesb/asyncbus/transport/kafka"
	DefaultDispatcherRegistry = transportpkg.DefaultRegistry
	RegisterDispatcher        = transportpkg.Register
	NewDispatcherRegistry     = transportpkg.NewRegistry
)

// Well-known route types.
var (
	SyncIn   = routespkg.SyncIn
	AsyncIn  = routespkg.AsyncIn
	SyncOut  = routespkg.SyncOut
	AsyncOut = routespkg.AsyncOut
)
