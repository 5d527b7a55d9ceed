// Package asyncbus is an asynchronous message lifecycle and correlation
// engine for integration buses. It persists every submitted message in a
// message store, drives it through a strict lifecycle state machine
// (NEW, PROCESSING, WAITING_FOR_RESPONSE, OK, FAILED, FAILED_WARN,
// CANCELLED, PARTLY_FAILED), and joins asynchronous responses back to their
// waiting requests by correlation key.
//
// A minimal setup fills Config, creates a Service, registers routes, and
// calls Start. Submit persists a message and runs its first processing
// attempt: synchronous routes settle to OK or FAILED before Submit returns,
// asynchronous routes dispatch to a downstream system and park in
// WAITING_FOR_RESPONSE until Correlate delivers the response.
//
// # Error classification
//
// Handler errors are classified into VALIDATION, BUSINESS,
// TECHNICAL_RETRYABLE and TECHNICAL_FATAL; anything unrecognised is fatal.
// Only TECHNICAL_RETRYABLE failures are retried, with exponential backoff
// and jitter, until the attempt ceiling moves the message to FAILED_WARN
// for operator attention. Use ValidationFailure, BusinessFailure and
// TransientFailure to classify errors explicitly, or inject custom rules
// via ServiceDependencies.ClassifierRules.
//
// # Correlation
//
// At most one non-terminal message holds a correlation key at a time.
// Responses for unknown keys are orphans; duplicate or too-late responses
// are reported late and never overwrite a settled outcome.
//
// # Stores
//
// Three message stores ship out of the box: an in-memory store for tests,
// an embedded SQLite store, and a PostgreSQL store for production. All
// three serialize lifecycle transitions per message and enforce the
// correlation key uniqueness invariant.
//
// # Dispatchers
//
// Outbound deliveries go through a dispatcher selected by
// Config.DispatchSystem: kafka, amqp, nats, aws (SNS) or an in-memory
// channel. Dispatchers register themselves; blank-import the packages you
// need, e.g. _ "github.com/openesb/asyncbus/transport/kafka".
package asyncbus
