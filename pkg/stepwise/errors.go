package stepwise

import (
	"context"
	"errors"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrStepTimeout is the fault reported when a step does not finish within
	// the configured step timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrStepPanic is the fault reported when a step panics.
	ErrStepPanic = errors.New("step panicked")

	// ErrInvalidTransition is the fault reported when a step returns a
	// Transition that was not built with Next or Complete, or whose target
	// is nil.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrShuttingDown is returned by Dispatch for add and modify events once
	// the dispatcher has started shutting down.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// ErrorClassification is how the dispatcher treats a step fault.
type ErrorClassification int

const (
	// ErrorRetryable faults are retried at the faulted state with the retry
	// policy's backoff.
	ErrorRetryable ErrorClassification = iota

	// ErrorPermanent faults fail the run. The object moves to the Failed
	// phase and is not run again until its generation changes.
	ErrorPermanent

	// ErrorTransient faults, such as write conflicts, are expected to clear
	// almost immediately. They are retried like ErrorRetryable.
	ErrorTransient

	// ErrorTerminal faults fail the run like ErrorPermanent. They mark
	// conditions that no spec change is expected to fix.
	ErrorTerminal
)

var classificationNames = map[ErrorClassification]string{
	ErrorRetryable: "retryable",
	ErrorPermanent: "permanent",
	ErrorTransient: "transient",
	ErrorTerminal:  "terminal",
}

func (ec ErrorClassification) String() string {
	if name, ok := classificationNames[ec]; ok {
		return name
	}
	return "unknown"
}

// ClassifiedError is a step fault annotated with how to handle it.
type ClassifiedError struct {
	Cause          error
	Classification ErrorClassification

	// RetryAfter overrides the policy's backoff for the next attempt.
	RetryAfter time.Duration

	// Reason is the CamelCase condition reason reported for the fault.
	Reason string

	// Message replaces Cause's text in status messages and events.
	Message string
}

func (e *ClassifiedError) Error() string {
	switch {
	case e.Cause != nil:
		return e.Cause.Error()
	case e.Message != "":
		return e.Message
	}
	return "classified error"
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

func classified(err error, c ErrorClassification, reason string) *ClassifiedError {
	return &ClassifiedError{Cause: err, Classification: c, Reason: reason}
}

// Retryable marks err as a fault to retry with backoff.
//
//	if err := registry.Claim(name); err != nil {
//	    return stepwise.Transition[*GuestbookContext]{}, stepwise.Retryable(err)
//	}
func Retryable(err error) error {
	return classified(err, ErrorRetryable, ReasonStepRetrying)
}

// RetryableAfter marks err as retryable after exactly the given delay.
func RetryableAfter(err error, after time.Duration) error {
	ce := classified(err, ErrorRetryable, ReasonStepRetrying)
	ce.RetryAfter = after
	return ce
}

// Transient marks err as a short-lived fault.
func Transient(err error) error {
	return classified(err, ErrorTransient, ReasonStepRetrying)
}

// Permanent marks err as a fault that fails the run.
//
//	if replicas < 1 {
//	    return stepwise.Transition[*GuestbookContext]{}, stepwise.Permanent(
//	        fmt.Errorf("replicas must be positive, got %d", replicas))
//	}
func Permanent(err error) error {
	return classified(err, ErrorPermanent, ReasonStepFailed)
}

// PermanentWithReason is Permanent with the condition reason and status
// message to report.
func PermanentWithReason(err error, reason, message string) error {
	ce := classified(err, ErrorPermanent, reason)
	ce.Message = message
	return ce
}

// Terminal marks err as unrecoverable.
func Terminal(err error) error {
	return classified(err, ErrorTerminal, ReasonStepFailed)
}

// ClassifyError reports how the dispatcher treats err. A ClassifiedError
// anywhere in the chain wins; after that the step sentinels and API status
// errors are recognised. Anything else is ErrorRetryable.
func ClassifyError(err error) ErrorClassification {
	c, _ := classify(err)
	return c
}

// classify returns the classification of err and whether it was derived
// from something the error actually says about itself.
func classify(err error) (ErrorClassification, bool) {
	if err == nil {
		return ErrorRetryable, false
	}

	if ce := asClassified(err); ce != nil {
		return ce.Classification, true
	}

	switch {
	case errors.Is(err, ErrStepTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorRetryable, true
	case errors.Is(err, ErrStepPanic), errors.Is(err, ErrInvalidTransition):
		return ErrorPermanent, true
	}

	return classifyKubernetesError(err)
}

// apiErrorClasses maps API status errors to classifications, checked in
// order.
var apiErrorClasses = []struct {
	class ErrorClassification
	is    []func(error) bool
}{
	{ErrorTransient, []func(error) bool{apierrors.IsConflict, apierrors.IsServerTimeout}},
	{ErrorRetryable, []func(error) bool{
		apierrors.IsServiceUnavailable, apierrors.IsTooManyRequests,
		apierrors.IsTimeout, apierrors.IsInternalError,
	}},
	{ErrorPermanent, []func(error) bool{
		apierrors.IsNotFound, apierrors.IsBadRequest, apierrors.IsInvalid,
		apierrors.IsForbidden, apierrors.IsUnauthorized, apierrors.IsMethodNotSupported,
	}},
}

func classifyKubernetesError(err error) (ErrorClassification, bool) {
	for _, c := range apiErrorClasses {
		for _, is := range c.is {
			if is(err) {
				return c.class, true
			}
		}
	}
	return ErrorRetryable, false
}

// GetRetryAfter returns the delay err asks for: a RetryableAfter delay, or
// the server's suggested client delay for throttled API calls.
func GetRetryAfter(err error) time.Duration {
	if ce := asClassified(err); ce != nil {
		return ce.RetryAfter
	}
	if seconds, ok := apierrors.SuggestsClientDelay(err); ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// GetErrorReason returns the condition reason for err.
func GetErrorReason(err error) string {
	if ce := asClassified(err); ce != nil && ce.Reason != "" {
		return ce.Reason
	}
	return ReasonStepFailed
}

// GetErrorMessage returns the status message for err.
func GetErrorMessage(err error) string {
	if ce := asClassified(err); ce != nil && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}

func asClassified(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsRetryable reports whether err is a non-nil fault the dispatcher retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	c := ClassifyError(err)
	return c == ErrorRetryable || c == ErrorTransient
}

// IsPermanent reports whether err is a non-nil fault that fails the run.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	c := ClassifyError(err)
	return c == ErrorPermanent || c == ErrorTerminal
}
