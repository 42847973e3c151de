package stepwise

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestErrorClassification_String(t *testing.T) {
	for c, want := range map[ErrorClassification]string{
		ErrorRetryable:         "retryable",
		ErrorPermanent:         "permanent",
		ErrorTransient:         "transient",
		ErrorTerminal:          "terminal",
		ErrorClassification(9): "unknown",
	} {
		if got := c.String(); got != want {
			t.Errorf("ErrorClassification(%d).String() = %q, want %q", int(c), got, want)
		}
	}
}

func TestClassifiedError_Error(t *testing.T) {
	cause := errors.New("configmap render failed")

	for _, tt := range []struct {
		name string
		ce   *ClassifiedError
		want string
	}{
		{"cause wins", &ClassifiedError{Cause: cause, Message: "ignored"}, "configmap render failed"},
		{"message without cause", &ClassifiedError{Message: "replicas out of range"}, "replicas out of range"},
		{"empty", &ClassifiedError{}, "classified error"},
	} {
		if got := tt.ce.Error(); got != tt.want {
			t.Errorf("%s: Error() = %q, want %q", tt.name, got, tt.want)
		}
	}

	if !errors.Is(&ClassifiedError{Cause: cause}, cause) {
		t.Error("ClassifiedError does not unwrap to its cause")
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name           string
		err            error
		classification ErrorClassification
		reason         string
	}{
		{"Retryable", Retryable(cause), ErrorRetryable, ReasonStepRetrying},
		{"RetryableAfter", RetryableAfter(cause, time.Second), ErrorRetryable, ReasonStepRetrying},
		{"Transient", Transient(cause), ErrorTransient, ReasonStepRetrying},
		{"Permanent", Permanent(cause), ErrorPermanent, ReasonStepFailed},
		{"PermanentWithReason", PermanentWithReason(cause, "BadSpec", "spec is bad"), ErrorPermanent, "BadSpec"},
		{"Terminal", Terminal(cause), ErrorTerminal, ReasonStepFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.classification {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.classification)
			}
			if got := GetErrorReason(tt.err); got != tt.reason {
				t.Errorf("GetErrorReason() = %v, want %v", got, tt.reason)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("classified error should wrap its cause")
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	gr := schema.GroupResource{Group: "test.stepwise.io", Resource: "widgets"}

	tests := []struct {
		name  string
		err   error
		want  ErrorClassification
		known bool
	}{
		{"nil", nil, ErrorRetryable, false},
		{"plain error", errors.New("plain"), ErrorRetryable, false},
		{"wrapped classified", fmt.Errorf("context: %w", Permanent(errors.New("x"))), ErrorPermanent, true},
		{"step timeout", fmt.Errorf("%w after 1s", ErrStepTimeout), ErrorRetryable, true},
		{"deadline exceeded", context.DeadlineExceeded, ErrorRetryable, true},
		{"step panic", ErrStepPanic, ErrorPermanent, true},
		{"invalid transition", ErrInvalidTransition, ErrorPermanent, true},
		{"conflict", apierrors.NewConflict(gr, "w", errors.New("stale")), ErrorTransient, true},
		{"server timeout", apierrors.NewServerTimeout(gr, "get", 1), ErrorTransient, true},
		{"service unavailable", apierrors.NewServiceUnavailable("down"), ErrorRetryable, true},
		{"too many requests", apierrors.NewTooManyRequests("slow down", 2), ErrorRetryable, true},
		{"internal", apierrors.NewInternalError(errors.New("oops")), ErrorRetryable, true},
		{"not found", apierrors.NewNotFound(gr, "w"), ErrorPermanent, true},
		{"bad request", apierrors.NewBadRequest("bad"), ErrorPermanent, true},
		{"forbidden", apierrors.NewForbidden(gr, "w", errors.New("no")), ErrorPermanent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := classify(tt.err)
			if got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
			if known != tt.known {
				t.Errorf("classify() known = %v, want %v", known, tt.known)
			}
		})
	}
}

func TestGetRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"classified hint", RetryableAfter(errors.New("x"), 30*time.Second), 30 * time.Second},
		{"classified without hint", Retryable(errors.New("x")), 0},
		{"api server delay", apierrors.NewTooManyRequests("slow down", 5), 5 * time.Second},
		{"plain", errors.New("x"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetRetryAfter(tt.err); got != tt.want {
				t.Errorf("GetRetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorMessage(t *testing.T) {
	if got := GetErrorMessage(PermanentWithReason(errors.New("cause"), "R", "friendly")); got != "friendly" {
		t.Errorf("GetErrorMessage() = %q, want %q", got, "friendly")
	}
	if got := GetErrorMessage(errors.New("cause")); got != "cause" {
		t.Errorf("GetErrorMessage() = %q, want %q", got, "cause")
	}
	if got := GetErrorReason(errors.New("cause")); got != ReasonStepFailed {
		t.Errorf("GetErrorReason() = %q, want %q", got, ReasonStepFailed)
	}
}

func TestIsRetryableAndIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{"nil", nil, false, false},
		{"retryable", Retryable(errors.New("x")), true, false},
		{"transient", Transient(errors.New("x")), true, false},
		{"permanent", Permanent(errors.New("x")), false, true},
		{"terminal", Terminal(errors.New("x")), false, true},
		{"unclassified", errors.New("x"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
		})
	}
}
