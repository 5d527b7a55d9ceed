// Package classify maps raised processing errors onto a bounded set of error
// kinds that drive the retry/escalation decision. Classification is a
// priority-ordered rule list: the first matching rule wins, so a transient
// timeout wrapped inside a validation failure is still VALIDATION and fails
// fast instead of being retried.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind is the classification of a processing error.
type Kind string

const (
	// KindNone means no error occurred.
	KindNone Kind = "NONE"

	// KindValidation marks structural or input validation failures. Never retried.
	KindValidation Kind = "VALIDATION"

	// KindBusiness marks business-rule rejections. Never retried.
	KindBusiness Kind = "BUSINESS"

	// KindTechnicalRetryable marks transient technical conditions such as
	// timeouts or an unavailable downstream. Eligible for retry scheduling.
	KindTechnicalRetryable Kind = "TECHNICAL_RETRYABLE"

	// KindTechnicalFatal is the default for anything unrecognised. Never
	// silently treated as retryable.
	KindTechnicalFatal Kind = "TECHNICAL_FATAL"
)

// Retryable reports whether the kind admits another processing attempt.
func (k Kind) Retryable() bool {
	return k == KindTechnicalRetryable
}

// Valid reports whether the kind is one of the known classifications.
func (k Kind) Valid() bool {
	switch k {
	case KindNone, KindValidation, KindBusiness, KindTechnicalRetryable, KindTechnicalFatal:
		return true
	}
	return false
}

// Marker errors for handler code. Wrapping one of these (or returning a typed
// error below) pins the classification regardless of the underlying cause.
var (
	ErrValidation = errors.New("asyncbus: validation error")
	ErrBusiness   = errors.New("asyncbus: business error")
	ErrTransient  = errors.New("asyncbus: transient technical error")
)

// ValidationError marks an error as a structural/input validation failure.
type ValidationError struct {
	Code  string
	Cause error
}

// Validation wraps cause as a validation failure with an error-catalog code.
func Validation(code string, cause error) *ValidationError {
	return &ValidationError{Code: code, Cause: cause}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("asyncbus: validation error (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("asyncbus: validation error (%s)", e.Code)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Is implements errors.Is against the ErrValidation marker.
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// BusinessError marks an error as a business-rule rejection.
type BusinessError struct {
	Code  string
	Cause error
}

// Business wraps cause as a business-rule rejection with an error-catalog code.
func Business(code string, cause error) *BusinessError {
	return &BusinessError{Code: code, Cause: cause}
}

func (e *BusinessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("asyncbus: business error (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("asyncbus: business error (%s)", e.Code)
}

func (e *BusinessError) Unwrap() error { return e.Cause }

// Is implements errors.Is against the ErrBusiness marker.
func (e *BusinessError) Is(target error) bool {
	if target == ErrBusiness {
		return true
	}
	_, ok := target.(*BusinessError)
	return ok
}

// TransientError marks an error as a recoverable technical condition.
type TransientError struct {
	Cause error
}

// Transient wraps cause as a recoverable technical condition.
func Transient(cause error) *TransientError {
	return &TransientError{Cause: cause}
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("asyncbus: transient technical error: %v", e.Cause)
	}
	return "asyncbus: transient technical error"
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Is implements errors.Is against the ErrTransient marker.
func (e *TransientError) Is(target error) bool {
	if target == ErrTransient {
		return true
	}
	_, ok := target.(*TransientError)
	return ok
}

// Classification is the outcome of classifying a raised error.
type Classification struct {
	Kind  Kind
	Rule  string
	Cause string
}

// Rule is a single classification rule. Rules are evaluated in order; the
// first rule whose Matches returns true determines the kind.
type Rule struct {
	Name    string
	Kind    Kind
	Matches func(error) bool
}

// Classifier evaluates an ordered rule list. The rule slice is fixed at
// construction and safely shared across workers.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier with the default rule order:
// validation, business, transient allow-list. Extra rules are inserted
// between the business rule and the transient allow-list so callers can
// extend the allow-list without being able to outrank a validation match.
func NewClassifier(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+3)
	rules = append(rules,
		Rule{
			Name:    "validation",
			Kind:    KindValidation,
			Matches: func(err error) bool { return errors.Is(err, ErrValidation) },
		},
		Rule{
			Name:    "business",
			Kind:    KindBusiness,
			Matches: func(err error) bool { return errors.Is(err, ErrBusiness) },
		},
	)
	rules = append(rules, extra...)
	rules = append(rules, Rule{
		Name:    "transient",
		Kind:    KindTechnicalRetryable,
		Matches: isTransient,
	})
	return &Classifier{rules: rules}
}

// Classify maps err onto a Classification. A nil error yields KindNone.
// When no rule matches the result is KindTechnicalFatal.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindNone}
	}
	for _, rule := range c.rules {
		if rule.Matches(err) {
			return Classification{Kind: rule.Kind, Rule: rule.Name, Cause: err.Error()}
		}
	}
	return Classification{Kind: KindTechnicalFatal, Rule: "default", Cause: err.Error()}
}

// isTransient is the built-in allow-list of recoverable technical conditions.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
