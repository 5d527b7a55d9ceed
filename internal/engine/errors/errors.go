package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("asyncbus: config is required")
	ErrLoggerRequired     = sterrors.New("asyncbus: logger is required")
	ErrStoreRequired      = sterrors.New("asyncbus: message store is required")
	ErrDispatcherRequired = sterrors.New("asyncbus: dispatcher is required for asynchronous routes")
	ErrHandlerRequired    = sterrors.New("asyncbus: route handler is required")
	ErrRouteNameRequired  = sterrors.New("asyncbus: route name is required")
	ErrPayloadRequired    = sterrors.New("asyncbus: payload reference is required")
	ErrServiceStarted     = sterrors.New("asyncbus: service is already started")
)
