package stepwise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Dispatcher routes object events of kind T to per-object engines.
//
// At most one engine runs per object key at any time. Events arriving while
// an engine runs are queued on the key and coalesced: when the run ends the
// dispatcher processes only the most recent event, or a pending deletion if
// there is one. A deletion cancels a running engine at its next transition
// boundary and runs the operator's cleanup graph; the dispatcher's finalizer
// is removed only after cleanup succeeds.
//
// Step faults are retried according to the RetryPolicy, resuming at the
// faulted state. Every retry is reflected in the object's status, an event
// and a metric.
//
// A Dispatcher implements manager.Runnable; see SetupWithManager.
type Dispatcher[T client.Object, S any] struct {
	client   client.Client
	op       Operator[T, S]
	recorder record.EventRecorder
	log      logr.Logger

	config  Config
	policy  RetryPolicy
	status  *StatusReconciler[T]
	metrics MetricsProvider
	tracer  trace.Tracer
	tracker BackoffTracker

	registrar   RegistrationHook[T]
	deregistrar DeregistrationHook[T]
	releaser    ContextReleaser[S]
	resumer     Resumer[S]
	mutator     StatusMutator[T, S]

	mu      sync.Mutex
	entries map[types.NamespacedName]*entry[T, S]

	startOnce    sync.Once
	stopOnce     sync.Once
	stopped      chan struct{}
	baseCtx      context.Context
	cancel       context.CancelFunc
	pool         pond.Pool
	shuttingDown atomic.Bool
	active       atomic.Int64
}

// NewDispatcher creates a Dispatcher for op using the default configuration.
// A nil recorder discards events.
func NewDispatcher[T client.Object, S any](c client.Client, op Operator[T, S], recorder record.EventRecorder, log logr.Logger) *Dispatcher[T, S] {
	if recorder == nil {
		recorder = &record.FakeRecorder{}
	}
	cfg := DefaultConfig()
	d := &Dispatcher[T, S]{
		client:   c,
		op:       op,
		recorder: recorder,
		log:      log,
		config:   cfg,
		policy:   cfg.RetryPolicy(),
		status:   NewStatusReconciler[T](c, log),
		metrics:  NewNoopMetricsProvider(),
		tracer:   defaultTracer(),
		tracker:  NewBackoffTracker(),
		entries:  make(map[types.NamespacedName]*entry[T, S]),
	}
	d.status.ConflictBackoff = cfg.ConflictBackoff()
	d.registrar, _ = any(op).(RegistrationHook[T])
	d.deregistrar, _ = any(op).(DeregistrationHook[T])
	d.releaser, _ = any(op).(ContextReleaser[S])
	d.resumer, _ = any(op).(Resumer[S])
	d.mutator, _ = any(op).(StatusMutator[T, S])
	return d
}

// WithConfig applies cfg, replacing the retry policy, finalizer name and
// conflict backoff. It must be called before the first event is dispatched.
func (d *Dispatcher[T, S]) WithConfig(cfg Config) *Dispatcher[T, S] {
	d.config = cfg
	d.policy = cfg.RetryPolicy()
	d.status.FinalizerName = cfg.FinalizerName
	d.status.ConflictBackoff = cfg.ConflictBackoff()
	return d
}

// WithRetryPolicy replaces the step retry policy.
func (d *Dispatcher[T, S]) WithRetryPolicy(p RetryPolicy) *Dispatcher[T, S] {
	d.policy = p
	return d
}

// WithMetrics sets the metrics provider.
func (d *Dispatcher[T, S]) WithMetrics(m MetricsProvider) *Dispatcher[T, S] {
	if m != nil {
		d.metrics = m
	}
	return d
}

// WithFinalizerName overrides the managed finalizer.
func (d *Dispatcher[T, S]) WithFinalizerName(name string) *Dispatcher[T, S] {
	d.config.FinalizerName = name
	d.status.FinalizerName = name
	return d
}

// WithTracer sets the tracer used for run and step spans.
func (d *Dispatcher[T, S]) WithTracer(t trace.Tracer) *Dispatcher[T, S] {
	if t != nil {
		d.tracer = t
	}
	return d
}

// Config returns the active configuration.
func (d *Dispatcher[T, S]) Config() Config {
	return d.config
}

func (d *Dispatcher[T, S]) start() {
	d.startOnce.Do(func() {
		d.baseCtx, d.cancel = context.WithCancel(context.Background())
		d.pool = pond.NewPool(d.config.Workers, pond.WithContext(d.baseCtx))
	})
}

// Dispatch delivers one event.
//
// Dispatch never blocks on a running engine. Modifications repeating the
// last seen resourceVersion are dropped, as are deletions of keys that are
// not tracked. After Shutdown, additions and modifications are refused with
// ErrShuttingDown.
func (d *Dispatcher[T, S]) Dispatch(ctx context.Context, ev Event[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if isNil(ev.Object) {
		return fmt.Errorf("%s event without object", ev.Type)
	}
	deleting := ev.deleting()
	if d.shuttingDown.Load() && !deleting {
		d.metrics.RecordDroppedEvent(d.config.Name, DropReasonShutdown)
		return ErrShuttingDown
	}
	d.start()

	key := ev.Key()
	create := ev.Type != EventDeleted && !d.shuttingDown.Load() &&
		(ev.Object.GetDeletionTimestamp().IsZero() || controllerutil.ContainsFinalizer(ev.Object, d.config.FinalizerName))

	for {
		e := d.lookup(key, create)
		if e == nil {
			d.metrics.RecordDroppedEvent(d.config.Name, DropReasonUntracked)
			return nil
		}

		e.mu.Lock()
		if e.retired {
			e.mu.Unlock()
			continue
		}
		rv := ev.Object.GetResourceVersion()
		if ev.Type != EventDeleted && rv != "" && rv == e.lastResourceVersion {
			e.mu.Unlock()
			d.metrics.RecordDroppedEvent(d.config.Name, DropReasonDuplicate)
			return nil
		}
		if rv != "" {
			e.lastResourceVersion = rv
		}
		if e.enqueue(ev, d.config.QueueDepth) {
			d.metrics.RecordDroppedEvent(d.config.Name, DropReasonOverflow)
		}
		if deleting && e.running && !e.cleaning && e.cancel != nil {
			d.log.V(1).Info("deletion requested, cancelling run", "namespace", key.Namespace, "name", key.Name)
			e.cancel()
		}
		schedule := !e.running
		e.running = true
		e.mu.Unlock()

		if !schedule {
			return nil
		}
		if err := d.pool.Go(func() { d.drain(e) }); err != nil {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			return fmt.Errorf("scheduling %s: %w", key, err)
		}
		return nil
	}
}

func (d *Dispatcher[T, S]) lookup(key types.NamespacedName, create bool) *entry[T, S] {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok && create {
		e = newEntry[T, S](key, d.config.HistorySize)
		d.entries[key] = e
		d.metrics.RecordTrackedObjects(d.config.Name, len(d.entries))
	}
	return e
}

// drain processes the events queued on e until the queue is empty.
func (d *Dispatcher[T, S]) drain(e *entry[T, S]) {
	for {
		e.mu.Lock()
		if d.baseCtx.Err() != nil {
			e.running = false
			e.mu.Unlock()
			return
		}
		ev, ok := e.next()
		if !ok {
			e.running = false
			e.cancel = nil
			e.mu.Unlock()
			return
		}
		runCtx, cancel := context.WithCancel(d.baseCtx)
		e.cancel = cancel
		e.cleaning = ev.deleting()
		e.mu.Unlock()

		d.metrics.RecordActiveEngines(d.config.Name, int(d.active.Add(1)))
		retire := d.process(runCtx, e, ev)
		d.metrics.RecordActiveEngines(d.config.Name, int(d.active.Add(-1)))
		cancel()

		if retire {
			d.retire(e)
			return
		}
	}
}

// retire stops tracking e. Events that arrived after the deciding event are
// dispatched again so a recreated object gets a fresh entry.
func (d *Dispatcher[T, S]) retire(e *entry[T, S]) {
	d.mu.Lock()
	e.mu.Lock()
	e.retired = true
	e.running = false
	e.cancel = nil
	leftover := e.pending
	e.pending = nil
	if d.entries[e.key] == e {
		delete(d.entries, e.key)
	}
	d.metrics.RecordTrackedObjects(d.config.Name, len(d.entries))
	e.mu.Unlock()
	d.mu.Unlock()

	d.tracker.Reset(e.key)
	for _, ev := range leftover {
		if err := d.Dispatch(context.Background(), ev); err != nil && !errors.Is(err, ErrShuttingDown) {
			d.log.Error(err, "re-dispatching event", "namespace", e.key.Namespace, "name", e.key.Name)
		}
	}
}

// process handles one coalesced event. It reports whether the entry should
// be retired.
func (d *Dispatcher[T, S]) process(ctx context.Context, e *entry[T, S], ev Event[T]) bool {
	obj := ev.Object.DeepCopyObject().(T)
	switch {
	case ev.Type == EventDeleted:
		d.processGone(ctx, e, obj)
		return true
	case ev.deleting():
		return d.processDeletion(ctx, e, obj)
	default:
		d.processApply(ctx, e, obj)
		return false
	}
}

func (d *Dispatcher[T, S]) processApply(ctx context.Context, e *entry[T, S], obj T) {
	log := d.log.WithValues("namespace", e.key.Namespace, "name", e.key.Name)

	if e.uid != "" && e.uid != obj.GetUID() {
		log.Info("object recreated, starting over", "uid", obj.GetUID())
		d.release(ctx, e)
		e.resetIncarnation()
		d.tracker.Reset(e.key)
	}
	e.uid = obj.GetUID()

	if IsPaused(obj) {
		d.markPaused(ctx, obj, log)
		return
	}
	d.markResumed(ctx, obj, log)

	generation := obj.GetGeneration()
	if e.hasRun && generation <= e.lastRunGeneration {
		d.metrics.RecordDroppedEvent(d.config.Name, DropReasonObserved)
		return
	}
	if !e.hasRun && alreadyObserved(obj) {
		log.V(1).Info("generation already observed", "generation", generation)
		e.hasRun = true
		e.lastRunGeneration = generation
		e.resumeChecked = true
		d.metrics.RecordDroppedEvent(d.config.Name, DropReasonObserved)
		return
	}

	if err := d.retryOp(ctx, e.key, "adding finalizer", func(ctx context.Context) error {
		_, err := d.status.EnsureFinalizer(ctx, obj)
		return err
	}); err != nil {
		if ctx.Err() == nil {
			log.Error(err, "failed to add finalizer")
		}
		return
	}

	if !e.registered {
		if d.registrar != nil {
			if err := d.retryOp(ctx, e.key, "registering", func(ctx context.Context) error {
				return d.registrar.Registered(ctx, obj)
			}); err != nil {
				if ctx.Err() == nil {
					log.Error(err, "registration hook failed")
				}
				return
			}
		}
		e.registered = true
	}

	s, err := d.newObjectContext(ctx, e, obj)
	if err != nil {
		if ctx.Err() == nil {
			log.Error(err, "failed to build object context")
			d.failWithoutContext(ctx, obj, err)
		}
		return
	}

	start := d.op.InitialState()
	if !e.resumeChecked {
		e.resumeChecked = true
		if st, ok := d.resumeState(obj); ok {
			log.Info("resuming from persisted phase", "state", st.Name())
			start = st
		}
	}

	e.hasRun = true
	e.lastRunGeneration = generation
	d.runGraph(ctx, e, obj, s, start, false)
}

func (d *Dispatcher[T, S]) processDeletion(ctx context.Context, e *entry[T, S], obj T) bool {
	log := d.log.WithValues("namespace", e.key.Namespace, "name", e.key.Name)

	if !controllerutil.ContainsFinalizer(obj, d.config.FinalizerName) {
		if e.registered {
			d.deregister(ctx, e, obj)
		}
		return true
	}

	generation := obj.GetGeneration()
	if e.cleanupAttempted && generation <= e.lastCleanupGeneration {
		d.metrics.RecordDroppedEvent(d.config.Name, DropReasonObserved)
		return false
	}

	s, err := d.newObjectContext(ctx, e, obj)
	if err != nil {
		if ctx.Err() == nil {
			log.Error(err, "failed to build object context for cleanup")
			e.cleanupAttempted = true
			e.lastCleanupGeneration = generation
			d.failWithoutContext(ctx, obj, err)
		}
		return false
	}

	started := time.Now()
	outcome := d.runGraph(ctx, e, obj, s, d.op.CleanupState(), true)
	if outcome.IsCancelled() {
		return false
	}
	d.metrics.RecordCleanupDuration(d.config.Name, time.Since(started), outcome.IsSucceeded())
	if !outcome.IsSucceeded() {
		log.Info("cleanup did not succeed, keeping finalizer", "outcome", outcome.Kind.String())
		e.cleanupAttempted = true
		e.lastCleanupGeneration = generation
		return false
	}

	if err := d.retryOp(ctx, e.key, "removing finalizer", func(ctx context.Context) error {
		return d.status.RemoveFinalizer(ctx, obj)
	}); err != nil {
		if ctx.Err() == nil {
			log.Error(err, "failed to remove finalizer")
		}
		return false
	}
	log.V(1).Info("cleanup complete")
	d.deregister(ctx, e, obj)
	return true
}

// processGone handles an object that has left the store. Cleanup still runs
// for objects the dispatcher was driving, but nothing is written back.
func (d *Dispatcher[T, S]) processGone(ctx context.Context, e *entry[T, S], obj T) {
	if !e.registered {
		return
	}
	log := d.log.WithValues("namespace", e.key.Namespace, "name", e.key.Name)

	sCtx := NewContext(d.client, d.log, d.recorder, obj)
	s, err := d.op.NewObjectContext(ctx, obj, sCtx)
	if err != nil {
		log.Error(err, "failed to build object context for cleanup of removed object")
	} else {
		e.objCtx, e.hasObjCtx = s, true
		engine := d.newEngine(e, discardSink, log)
		res := engine.Run(ctx, d.op.CleanupState(), s)
		if res.Fault != nil {
			log.Error(res.Fault, "cleanup of removed object failed")
		}
	}
	d.deregister(ctx, e, obj)
}

// runGraph drives one run from start, retrying faults per the retry policy.
func (d *Dispatcher[T, S]) runGraph(ctx context.Context, e *entry[T, S], obj T, s S, start State[S], cleanup bool) Outcome {
	log := d.log.WithValues("namespace", e.key.Namespace, "name", e.key.Name)
	startName := ""
	if start != nil {
		startName = start.Name()
	}
	ctx, span := startRunSpan(ctx, d.tracer, d.config.Name, e.key, startName, cleanup)

	sink := d.sinkFor(obj, s)
	engine := d.newEngine(e, sink, log)

	// Attempts count consecutive faults of one state, so every run starts
	// from zero.
	d.tracker.Reset(e.key)

	state := start
	var pending *Outcome
	var outcome Outcome
	var faulted string
	for {
		var res RunResult[S]
		if pending != nil {
			if err := engine.Finish(ctx, *pending); err != nil {
				res.Fault = &Fault[S]{Pending: pending, Err: err}
			} else {
				res.Outcome = *pending
			}
		} else {
			res = engine.Run(ctx, state, s)
		}

		if res.Fault == nil {
			outcome = res.Outcome
			break
		}
		if ctx.Err() != nil {
			outcome = Cancelled()
			break
		}

		fault := res.Fault
		var where string
		if fault.State != nil {
			where = fault.State.Name()
		} else {
			where = fault.Pending.Phase
		}
		// A run that stepped past the retried state, or faulted somewhere
		// else, starts a fresh attempt count.
		if res.Steps > 1 || where != faulted {
			d.tracker.Reset(e.key)
		}
		faulted = where

		attempt := d.tracker.RecordFailure(e.key)
		retry, delay := d.policy.Decide(attempt, fault.Err)
		if !retry {
			outcome = d.giveUp(ctx, engine, obj, fault, attempt, log)
			break
		}

		message := fmt.Sprintf("%s: attempt %d: %s", where, attempt, GetErrorMessage(fault.Err))
		log.Info("step failed, retrying", "state", where, "attempt", attempt, "delay", delay.String(), "error", fault.Err.Error())
		d.metrics.RecordRetry(d.config.Name, where)
		d.recorder.Event(obj, corev1.EventTypeWarning, ReasonStepRetrying, message)
		if err := sink.Persist(ctx, StepStatus{Phase: where, Message: message, Reason: ReasonStepRetrying, Attempt: attempt}); err != nil && ctx.Err() == nil {
			log.V(1).Info("failed to record retry in status", "error", err.Error())
		}

		if err := sleep(ctx, delay); err != nil {
			outcome = Cancelled()
			break
		}
		if fault.State != nil {
			state, pending = fault.State, nil
		} else {
			pending = fault.Pending
		}
	}

	d.tracker.Reset(e.key)
	switch outcome.Kind {
	case OutcomeSucceeded:
		d.recorder.Event(obj, corev1.EventTypeNormal, ReasonSucceeded, eventMessage(outcome, "run succeeded"))
	case OutcomeFailed:
		d.recorder.Event(obj, corev1.EventTypeWarning, ReasonFailed, eventMessage(outcome, "run failed"))
	}
	d.metrics.RecordRunOutcome(d.config.Name, outcome.Kind)
	finishSpan(span, outcome.Err)
	return outcome
}

// giveUp ends a run whose fault will not be retried.
func (d *Dispatcher[T, S]) giveUp(ctx context.Context, engine *Engine[S], obj T, fault *Fault[S], attempt int, log logr.Logger) Outcome {
	if fault.State == nil {
		log.Error(fault.Err, "could not persist terminal status", "attempts", attempt)
		return *fault.Pending
	}
	log.Error(fault.Err, "step failed, giving up", "state", fault.State.Name(), "attempts", attempt)
	outcome := Failed(fmt.Errorf("%s: %w", fault.State.Name(), fault.Err))
	if err := engine.Finish(ctx, outcome); err != nil && ctx.Err() == nil {
		log.Error(err, "could not persist failure")
	}
	return outcome
}

func (d *Dispatcher[T, S]) newEngine(e *entry[T, S], sink StatusSink, log logr.Logger) *Engine[S] {
	return NewEngine[S](sink, log).
		WithName(d.config.Name).
		WithObject(e.key.String()).
		WithStepTimeout(d.config.StepTimeout).
		WithMetrics(d.metrics).
		WithHistory(e.history).
		WithTracer(d.tracer)
}

// sinkFor persists engine status onto obj through the status reconciler.
func (d *Dispatcher[T, S]) sinkFor(obj T, s S) StatusSink {
	gen := obj.GetGeneration()
	return StatusSinkFunc(func(ctx context.Context, st StepStatus) error {
		if st.Generation == 0 {
			st.Generation = gen
		}
		return d.status.PersistStatus(ctx, obj, func(o T) {
			applyStepStatus(o, st)
			if d.mutator != nil {
				d.mutator.MutateStatus(o, s)
			}
		})
	})
}

// failWithoutContext records a Failed phase when no object context could be
// built.
func (d *Dispatcher[T, S]) failWithoutContext(ctx context.Context, obj T, err error) {
	st := StepStatus{
		Phase:    PhaseFailed,
		Message:  GetErrorMessage(err),
		Reason:   GetErrorReason(err),
		Terminal: true,
		Outcome:  OutcomeFailed,
	}
	if perr := d.status.PersistStatus(ctx, obj, func(o T) { applyStepStatus(o, st) }); perr != nil && ctx.Err() == nil {
		d.log.Error(perr, "could not persist failure", "namespace", obj.GetNamespace(), "name", obj.GetName())
	}
	d.recorder.Event(obj, corev1.EventTypeWarning, ReasonFailed, GetErrorMessage(err))
	d.metrics.RecordRunOutcome(d.config.Name, OutcomeFailed)
}

func (d *Dispatcher[T, S]) newObjectContext(ctx context.Context, e *entry[T, S], obj T) (S, error) {
	var s S
	err := d.retryOp(ctx, e.key, "building object context", func(ctx context.Context) error {
		sCtx := NewContext(d.client, d.log, d.recorder, obj)
		var err error
		s, err = d.op.NewObjectContext(ctx, obj, sCtx)
		return err
	})
	if err != nil {
		return s, err
	}
	e.objCtx, e.hasObjCtx = s, true
	return s, nil
}

// resumeState asks the operator where to resume a run interrupted before
// this process started. Only phases written for the object's current
// generation are considered.
func (d *Dispatcher[T, S]) resumeState(obj T) (State[S], bool) {
	if d.resumer == nil {
		return nil, false
	}
	owp, ok := any(obj).(ObjectWithPhase)
	if !ok {
		return nil, false
	}
	phase := owp.GetPhase()
	if phase == "" || phase == PhaseSucceeded || phase == PhaseFailed {
		return nil, false
	}
	if cond := findCondition(obj, ConditionTypeProgressing); cond != nil && cond.ObservedGeneration != obj.GetGeneration() {
		return nil, false
	}
	st, ok := d.resumer.ResumeState(phase)
	if !ok || st == nil {
		return nil, false
	}
	return st, true
}

func (d *Dispatcher[T, S]) deregister(ctx context.Context, e *entry[T, S], obj T) {
	if d.deregistrar != nil && e.registered {
		if err := d.deregistrar.Deregistered(ctx, obj); err != nil {
			d.log.Error(err, "deregistration hook failed", "namespace", e.key.Namespace, "name", e.key.Name)
		}
	}
	e.registered = false
	d.release(ctx, e)
}

func (d *Dispatcher[T, S]) release(ctx context.Context, e *entry[T, S]) {
	if d.releaser != nil && e.hasObjCtx {
		d.releaser.Release(ctx, e.objCtx)
	}
	var zero S
	e.objCtx, e.hasObjCtx = zero, false
}

// retryOp runs fn until it succeeds, the retry policy gives up, or ctx is
// cancelled.
func (d *Dispatcher[T, S]) retryOp(ctx context.Context, key types.NamespacedName, what string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retry, delay := d.policy.Decide(attempt, err)
		if !retry {
			return err
		}
		d.log.V(1).Info("operation failed, retrying", "namespace", key.Namespace, "name", key.Name,
			"operation", what, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Resync reconciles the tracked set against a full listing of the store.
// Tracked objects missing from objs are treated as deleted; every listed
// object is dispatched as an addition.
func (d *Dispatcher[T, S]) Resync(ctx context.Context, objs []T) error {
	listed := make(map[types.NamespacedName]struct{}, len(objs))
	for _, obj := range objs {
		listed[client.ObjectKeyFromObject(obj)] = struct{}{}
	}

	var gone []Event[T]
	d.mu.Lock()
	for key, e := range d.entries {
		if _, ok := listed[key]; ok {
			continue
		}
		e.mu.Lock()
		if !isNil(e.latest) {
			gone = append(gone, Event[T]{Type: EventDeleted, Object: e.latest})
		}
		e.mu.Unlock()
	}
	d.mu.Unlock()

	var errs []error
	for _, ev := range gone {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	for _, obj := range objs {
		if err := d.Dispatch(ctx, Event[T]{Type: EventAdded, Object: obj}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run dispatches events from the channel until ctx is cancelled or the
// channel is closed. Cancellation shuts the dispatcher down.
func (d *Dispatcher[T, S]) Run(ctx context.Context, events <-chan Event[T]) error {
	for {
		select {
		case <-ctx.Done():
			return d.Shutdown(context.Background())
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := d.Dispatch(ctx, ev); err != nil && !errors.Is(err, ErrShuttingDown) && ctx.Err() == nil {
				d.log.Error(err, "dispatch failed", "type", string(ev.Type))
			}
		}
	}
}

// Start implements manager.Runnable. It blocks until ctx is cancelled and
// then shuts the dispatcher down.
func (d *Dispatcher[T, S]) Start(ctx context.Context) error {
	d.start()
	d.log.Info("starting dispatcher", "operator", d.config.Name, "workers", d.config.Workers)
	<-ctx.Done()
	d.log.Info("stopping dispatcher", "operator", d.config.Name)
	return d.Shutdown(context.Background())
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Only the
// leader drives objects.
func (d *Dispatcher[T, S]) NeedLeaderElection() bool {
	return true
}

// Shutdown cancels every running engine and waits for all of them to stop,
// or for ctx to be done. Further additions and modifications are refused.
func (d *Dispatcher[T, S]) Shutdown(ctx context.Context) error {
	d.shuttingDown.Store(true)
	d.start()
	d.cancel()

	d.stopOnce.Do(func() {
		d.stopped = make(chan struct{})
		go func() {
			d.pool.StopAndWait()
			close(d.stopped)
		}()
	})
	select {
	case <-d.stopped:
	case <-ctx.Done():
		return fmt.Errorf("waiting for engines to stop: %w", ctx.Err())
	}

	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[types.NamespacedName]*entry[T, S])
	d.mu.Unlock()
	d.metrics.RecordTrackedObjects(d.config.Name, 0)

	for _, e := range entries {
		e.mu.Lock()
		e.retired = true
		e.mu.Unlock()
		d.release(ctx, e)
	}
	return nil
}

// WaitIdle blocks until no engine is running and no event is queued, or
// until ctx is done.
func (d *Dispatcher[T, S]) WaitIdle(ctx context.Context) error {
	return wait.PollUntilContextCancel(ctx, 10*time.Millisecond, true, func(context.Context) (bool, error) {
		return d.idle(), nil
	})
}

func (d *Dispatcher[T, S]) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		e.mu.Lock()
		busy := e.running || len(e.pending) > 0
		e.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// Tracked returns the number of tracked object keys.
func (d *Dispatcher[T, S]) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Active returns the number of engines currently running.
func (d *Dispatcher[T, S]) Active() int {
	return int(d.active.Load())
}

// Attempts returns the consecutive failed attempts of the object's current
// state.
func (d *Dispatcher[T, S]) Attempts(key types.NamespacedName) int {
	return d.tracker.GetAttempts(key)
}

// History returns the recorded transitions of a tracked object.
func (d *Dispatcher[T, S]) History(key types.NamespacedName) []StateHistoryEntry {
	d.mu.Lock()
	e, ok := d.entries[key]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return e.history.Entries()
}

// alreadyObserved reports whether a previous process completed a run for
// the object's current generation.
func alreadyObserved(obj client.Object) bool {
	owog, ok := obj.(ObjectWithObservedGeneration)
	if !ok {
		return false
	}
	return obj.GetGeneration() > 0 && owog.GetObservedGeneration() == obj.GetGeneration()
}

func eventMessage(o Outcome, fallback string) string {
	if o.Message != "" {
		return o.Message
	}
	return fallback
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
