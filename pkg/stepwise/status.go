package stepwise

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// The ObjectWith* interfaces are optional. The dispatcher writes each
// status field an object type exposes and skips the rest, so a CRD can opt
// into as much of the status surface as it wants.

// ObjectWithObservedGeneration receives metadata.generation when a run
// succeeds. Objects implementing it are skipped on startup when already up
// to date.
//
//	func (g *Guestbook) GetObservedGeneration() int64     { return g.Status.ObservedGeneration }
//	func (g *Guestbook) SetObservedGeneration(gen int64) { g.Status.ObservedGeneration = gen }
type ObjectWithObservedGeneration interface {
	client.Object
	GetObservedGeneration() int64
	SetObservedGeneration(generation int64)
}

// ObjectWithPhase receives the name of each state entered and then the
// terminal phase.
type ObjectWithPhase interface {
	client.Object
	GetPhase() string
	SetPhase(phase string)
}

type ObjectWithConditions interface {
	client.Object
	GetConditions() []metav1.Condition
	SetConditions(conditions []metav1.Condition)
}

type ObjectWithMessage interface {
	client.Object
	GetMessage() string
	SetMessage(message string)
}

// ObjectWithLastUpdated receives the time of every status write.
type ObjectWithLastUpdated interface {
	client.Object
	GetLastUpdated() metav1.Time
	SetLastUpdated(t metav1.Time)
}

// StepStatus is what the engine reports at every transition boundary.
type StepStatus struct {
	// Phase is the name of the state entered, or the terminal outcome's phase.
	Phase string

	// Message is the status message. Empty clears a previous message.
	Message string

	// Reason is a machine-readable reason used for conditions.
	Reason string

	// Terminal is true for the status written when the graph completes.
	Terminal bool

	// Outcome is the terminal outcome kind. Only meaningful when Terminal is true.
	Outcome OutcomeKind

	// Attempt is the number of consecutive failed attempts of the current
	// state. Zero when the state was entered normally.
	Attempt int

	// Generation is the metadata.generation the run started from. It is
	// stamped as the observed generation, so a status write that lands on a
	// newer reloaded object never claims the newer spec. Zero means the
	// object's current generation.
	Generation int64
}

// StatusSink persists the status reported by an engine.
// Implementations must be idempotent: the same StepStatus may be persisted
// more than once when a write is retried.
type StatusSink interface {
	Persist(ctx context.Context, st StepStatus) error
}

type StatusSinkFunc func(ctx context.Context, st StepStatus) error

func (f StatusSinkFunc) Persist(ctx context.Context, st StepStatus) error {
	return f(ctx, st)
}

// discardSink drops all status. Used when the object no longer exists.
var discardSink StatusSink = StatusSinkFunc(func(context.Context, StepStatus) error { return nil })

// applyStepStatus writes st onto the status fields obj supports.
func applyStepStatus(obj client.Object, st StepStatus) {
	gen := st.Generation
	if gen == 0 {
		gen = obj.GetGeneration()
	}
	set := func(conditionType string, status metav1.ConditionStatus, reason, message string) {
		setConditionAt(obj, gen, conditionType, status, reason, message)
	}

	if owp, ok := obj.(ObjectWithPhase); ok && st.Phase != "" {
		owp.SetPhase(st.Phase)
	}
	if owm, ok := obj.(ObjectWithMessage); ok {
		owm.SetMessage(st.Message)
	}

	switch {
	case st.Terminal && st.Outcome == OutcomeSucceeded:
		set(ConditionTypeReady, metav1.ConditionTrue, ReasonSucceeded, st.Message)
		set(ConditionTypeProgressing, metav1.ConditionFalse, ReasonCompleted, "")
		if owog, ok := obj.(ObjectWithObservedGeneration); ok {
			owog.SetObservedGeneration(gen)
		}
	case st.Terminal:
		reason := st.Reason
		if reason == "" {
			reason = ReasonFailed
		}
		set(ConditionTypeReady, metav1.ConditionFalse, reason, st.Message)
		set(ConditionTypeProgressing, metav1.ConditionFalse, ReasonCompleted, "")
	case st.Attempt > 0:
		reason := st.Reason
		if reason == "" {
			reason = ReasonStepRetrying
		}
		set(ConditionTypeProgressing, metav1.ConditionFalse, reason, st.Message)
	default:
		reason := st.Reason
		if reason == "" {
			reason = ReasonStateEntered
		}
		set(ConditionTypeReady, metav1.ConditionFalse, ReasonInProgress, "")
		set(ConditionTypeProgressing, metav1.ConditionTrue, reason, fmt.Sprintf("entered %s", st.Phase))
	}
}

func stampLastUpdated(obj client.Object, now time.Time) {
	if lu, ok := obj.(ObjectWithLastUpdated); ok {
		lu.SetLastUpdated(metav1.NewTime(now))
	}
}

// StatusHelper reads the status fields of the run's object. Fields the
// object type does not expose read as zero values.
type StatusHelper interface {
	Generation() int64
	ObservedGeneration() int64

	// IsUpToDate is false for types without an observed generation.
	IsUpToDate() bool

	Phase() string
	Message() string
	Condition(conditionType string) *metav1.Condition
}

type objectStatus struct {
	obj client.Object
}

func newStatusHelper(obj client.Object) StatusHelper {
	return objectStatus{obj: obj}
}

func (s objectStatus) Generation() int64 { return s.obj.GetGeneration() }

func (s objectStatus) ObservedGeneration() int64 {
	og, ok := s.obj.(ObjectWithObservedGeneration)
	if !ok {
		return 0
	}
	return og.GetObservedGeneration()
}

func (s objectStatus) IsUpToDate() bool {
	_, ok := s.obj.(ObjectWithObservedGeneration)
	return ok && s.ObservedGeneration() == s.Generation()
}

func (s objectStatus) Phase() string {
	if p, ok := s.obj.(ObjectWithPhase); ok {
		return p.GetPhase()
	}
	return ""
}

func (s objectStatus) Message() string {
	if m, ok := s.obj.(ObjectWithMessage); ok {
		return m.GetMessage()
	}
	return ""
}

func (s objectStatus) Condition(conditionType string) *metav1.Condition {
	return findCondition(s.obj, conditionType)
}
