package stepwisetest

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
)

// WidgetContext is the object context FakeOperator builds for each run.
type WidgetContext struct {
	*stepwise.Context

	// Widget is the object being driven.
	Widget *Widget

	// ReadyReplicas is copied into the Widget's status on every status write.
	ReadyReplicas atomic.Int32
}

// FakeOperator is a configurable Operator over Widgets that records how the
// dispatcher calls it. Set the state fields before dispatching.
type FakeOperator struct {
	Initial stepwise.State[*WidgetContext]
	Cleanup stepwise.State[*WidgetContext]

	// Resume, when set, is consulted for crash recovery.
	Resume func(phase string) (stepwise.State[*WidgetContext], bool)

	// ContextErr, when set, is returned by NewObjectContext.
	ContextErr error

	mu           sync.Mutex
	registered   []types.NamespacedName
	deregistered []types.NamespacedName
	released     int
	contexts     int
}

// NewFakeOperator returns an operator whose initial and cleanup graphs both
// succeed immediately.
func NewFakeOperator() *FakeOperator {
	return &FakeOperator{
		Initial: stepwise.NewState("Pending", func(context.Context, *WidgetContext) (stepwise.Transition[*WidgetContext], error) {
			return stepwise.Succeed[*WidgetContext]("done"), nil
		}),
		Cleanup: stepwise.NewState("Cleanup", func(context.Context, *WidgetContext) (stepwise.Transition[*WidgetContext], error) {
			return stepwise.Succeed[*WidgetContext]("cleaned up"), nil
		}),
	}
}

// InitialState implements stepwise.Operator.
func (o *FakeOperator) InitialState() stepwise.State[*WidgetContext] { return o.Initial }

// CleanupState implements stepwise.Operator.
func (o *FakeOperator) CleanupState() stepwise.State[*WidgetContext] { return o.Cleanup }

// NewObjectContext implements stepwise.Operator.
func (o *FakeOperator) NewObjectContext(_ context.Context, obj *Widget, sCtx *stepwise.Context) (*WidgetContext, error) {
	if o.ContextErr != nil {
		return nil, o.ContextErr
	}
	o.mu.Lock()
	o.contexts++
	o.mu.Unlock()
	return &WidgetContext{Context: sCtx, Widget: obj}, nil
}

// Registered implements stepwise.RegistrationHook.
func (o *FakeOperator) Registered(_ context.Context, obj *Widget) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered = append(o.registered, client.ObjectKeyFromObject(obj))
	return nil
}

// Deregistered implements stepwise.DeregistrationHook.
func (o *FakeOperator) Deregistered(_ context.Context, obj *Widget) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deregistered = append(o.deregistered, client.ObjectKeyFromObject(obj))
	return nil
}

// Release implements stepwise.ContextReleaser.
func (o *FakeOperator) Release(context.Context, *WidgetContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released++
}

// ResumeState implements stepwise.Resumer.
func (o *FakeOperator) ResumeState(phase string) (stepwise.State[*WidgetContext], bool) {
	if o.Resume == nil {
		return nil, false
	}
	return o.Resume(phase)
}

// MutateStatus implements stepwise.StatusMutator.
func (o *FakeOperator) MutateStatus(obj *Widget, s *WidgetContext) {
	obj.Status.ReadyReplicas = s.ReadyReplicas.Load()
}

// RegisteredKeys returns the keys passed to the registration hook.
func (o *FakeOperator) RegisteredKeys() []types.NamespacedName {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.NamespacedName(nil), o.registered...)
}

// DeregisteredKeys returns the keys passed to the deregistration hook.
func (o *FakeOperator) DeregisteredKeys() []types.NamespacedName {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.NamespacedName(nil), o.deregistered...)
}

// Released returns how many object contexts were released.
func (o *FakeOperator) Released() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}

// Contexts returns how many object contexts were built.
func (o *FakeOperator) Contexts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.contexts
}

var (
	_ stepwise.Operator[*Widget, *WidgetContext]      = &FakeOperator{}
	_ stepwise.RegistrationHook[*Widget]              = &FakeOperator{}
	_ stepwise.DeregistrationHook[*Widget]            = &FakeOperator{}
	_ stepwise.ContextReleaser[*WidgetContext]        = &FakeOperator{}
	_ stepwise.Resumer[*WidgetContext]                = &FakeOperator{}
	_ stepwise.StatusMutator[*Widget, *WidgetContext] = &FakeOperator{}
)
