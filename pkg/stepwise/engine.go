package stepwise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

// Fault is a step or persistence failure surfaced by Engine.Run. The engine
// never advances past a fault; the caller decides whether to resume.
type Fault[S any] struct {
	// State is the state to resume from. It is nil when the graph already
	// completed and only the terminal status failed to persist.
	State State[S]

	// Pending is the terminal outcome still awaiting persistence.
	Pending *Outcome

	// Err is the failure cause.
	Err error
}

// Error implements the error interface.
func (f *Fault[S]) Error() string {
	if f.State != nil {
		return fmt.Sprintf("state %s: %v", f.State.Name(), f.Err)
	}
	return fmt.Sprintf("completing run: %v", f.Err)
}

// Unwrap returns the underlying error.
func (f *Fault[S]) Unwrap() error {
	return f.Err
}

// RunResult reports how a call to Engine.Run ended. Exactly one of Outcome
// (when Fault is nil) or Fault is meaningful.
type RunResult[S any] struct {
	// Outcome is the terminal or cancelled outcome.
	Outcome Outcome

	// Fault is set when a step or a status write failed.
	Fault *Fault[S]

	// Steps is the number of steps invoked.
	Steps int

	// Last is the name of the last state entered.
	Last string
}

// Engine drives one object's state graph from a start state to a terminal
// transition.
//
// The engine persists the name of every state it enters through its
// StatusSink before invoking that state's step, so the store always shows
// the last completed step and never one that is still in progress.
// Cancellation is checked at every transition boundary; a step in flight
// is never interrupted by the engine itself and only sees cancellation
// through its context.
//
// An Engine is not safe for concurrent use. The dispatcher creates one per
// run.
type Engine[S any] struct {
	name        string
	object      string
	sink        StatusSink
	log         logr.Logger
	stepTimeout time.Duration
	metrics     MetricsProvider
	history     *StateHistory
	tracer      trace.Tracer
}

// NewEngine creates an Engine that reports status to sink.
// A nil sink discards status.
func NewEngine[S any](sink StatusSink, log logr.Logger) *Engine[S] {
	if sink == nil {
		sink = discardSink
	}
	return &Engine[S]{
		name:    "stepwise",
		sink:    sink,
		log:     log,
		metrics: NewNoopMetricsProvider(),
		history: NewStateHistory(0),
		tracer:  defaultTracer(),
	}
}

// WithName sets the operator name used in metrics and spans.
func (e *Engine[S]) WithName(name string) *Engine[S] {
	e.name = name
	return e
}

// WithObject sets the object identifier used in spans.
func (e *Engine[S]) WithObject(object string) *Engine[S] {
	e.object = object
	return e
}

// WithStepTimeout bounds each step. Zero disables the timeout.
//
// The step receives a context with the deadline. A step that returns an
// error once its deadline has passed is reported as a retryable
// ErrStepTimeout fault. A step that ignores its context cannot be timed out.
func (e *Engine[S]) WithStepTimeout(d time.Duration) *Engine[S] {
	e.stepTimeout = d
	return e
}

// WithMetrics sets the metrics provider.
func (e *Engine[S]) WithMetrics(m MetricsProvider) *Engine[S] {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithHistory records transitions into h. Sharing one history across runs
// of the same object gives its full path.
func (e *Engine[S]) WithHistory(h *StateHistory) *Engine[S] {
	if h != nil {
		e.history = h
	}
	return e
}

// WithTracer sets the tracer used for step spans.
func (e *Engine[S]) WithTracer(t trace.Tracer) *Engine[S] {
	if t != nil {
		e.tracer = t
	}
	return e
}

// History returns the transition history.
func (e *Engine[S]) History() *StateHistory {
	return e.history
}

// Run drives the graph from start until a terminal transition, a fault, or
// cancellation of ctx.
func (e *Engine[S]) Run(ctx context.Context, start State[S], s S) RunResult[S] {
	var res RunResult[S]
	if start == nil {
		res.Fault = &Fault[S]{Err: Permanent(fmt.Errorf("%w: nil start state", ErrInvalidTransition))}
		return res
	}

	state := start
	for {
		if ctx.Err() != nil {
			return e.cancelled(res, state)
		}

		res.Last = state.Name()
		if err := e.sink.Persist(ctx, StepStatus{Phase: state.Name()}); err != nil {
			if ctx.Err() != nil {
				return e.cancelled(res, state)
			}
			res.Fault = &Fault[S]{State: state, Err: fmt.Errorf("persisting %s: %w", state.Name(), err)}
			return res
		}

		if ctx.Err() != nil {
			return e.cancelled(res, state)
		}

		tr, err := e.step(ctx, state, s)
		res.Steps++
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(res, state)
			}
			e.log.V(1).Info("step failed", "state", state.Name(), "error", err.Error())
			res.Fault = &Fault[S]{State: state, Err: err}
			return res
		}

		if outcome, ok := tr.Outcome(); ok {
			if err := e.Finish(ctx, outcome); err != nil {
				res.Fault = &Fault[S]{Pending: &outcome, Err: err}
				return res
			}
			e.log.V(1).Info("run complete", "state", state.Name(), "outcome", outcome.Kind.String())
			res.Outcome = outcome
			return res
		}

		if !tr.valid() {
			res.Fault = &Fault[S]{
				State: state,
				Err:   Permanent(fmt.Errorf("%w: %s returned no target", ErrInvalidTransition, state.Name())),
			}
			return res
		}

		next := tr.Target()
		e.history.Record(state.Name(), next.Name(), "")
		e.metrics.RecordTransition(e.name, state.Name(), next.Name())
		e.log.V(1).Info("transition", "from", state.Name(), "to", next.Name())
		state = next
	}
}

// Finish persists the terminal status for outcome. Cancelled outcomes are
// never persisted.
func (e *Engine[S]) Finish(ctx context.Context, outcome Outcome) error {
	if outcome.Kind == OutcomeCancelled {
		return nil
	}
	phase := outcome.Phase
	if phase == "" {
		phase = PhaseSucceeded
		if outcome.Kind == OutcomeFailed {
			phase = PhaseFailed
		}
	}
	var reason string
	if outcome.Err != nil {
		reason = GetErrorReason(outcome.Err)
	}
	return e.sink.Persist(ctx, StepStatus{
		Phase:    phase,
		Message:  outcome.Message,
		Reason:   reason,
		Terminal: true,
		Outcome:  outcome.Kind,
	})
}

func (e *Engine[S]) cancelled(res RunResult[S], state State[S]) RunResult[S] {
	e.log.V(1).Info("run cancelled", "state", state.Name())
	res.Outcome = Cancelled()
	return res
}

// step invokes one state's step under a span, the step timeout and panic
// recovery.
func (e *Engine[S]) step(ctx context.Context, state State[S], s S) (tr Transition[S], err error) {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	stepCtx, span := startStepSpan(stepCtx, e.tracer, e.name, e.object, state.Name())

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tr = Transition[S]{}
			err = Permanent(fmt.Errorf("%w: %s: %v", ErrStepPanic, state.Name(), r))
		}
		if err != nil && e.stepTimeout > 0 && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = Retryable(fmt.Errorf("%w after %s: %w", ErrStepTimeout, e.stepTimeout, err))
		}
		e.metrics.RecordStepDuration(e.name, state.Name(), time.Since(start), err)
		finishSpan(span, err)
	}()

	return state.Step(stepCtx, s)
}
