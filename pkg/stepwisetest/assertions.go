package stepwisetest

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
)

// AssertNoError reports err as a test error.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// AssertErrorContains fails unless err mentions want.
func AssertErrorContains(t *testing.T, err error, want string) {
	t.Helper()
	switch {
	case err == nil:
		t.Errorf("got nil error, want one mentioning %q", want)
	case !strings.Contains(err.Error(), want):
		t.Errorf("error %q does not mention %q", err, want)
	}
}

// AssertNext fails unless tr moves to a state named want.
func AssertNext[S any](t *testing.T, tr stepwise.Transition[S], want string) {
	t.Helper()
	if tr.IsComplete() {
		o, _ := tr.Outcome()
		t.Errorf("transition completes %s, want next state %s", o.Kind, want)
		return
	}
	if tr.Target() == nil {
		t.Errorf("empty transition, want next state %s", want)
		return
	}
	if got := tr.Target().Name(); got != want {
		t.Errorf("next state = %s, want %s", got, want)
	}
}

// AssertComplete fails unless tr completes the graph with the given kind.
func AssertComplete[S any](t *testing.T, tr stepwise.Transition[S], want stepwise.OutcomeKind) {
	t.Helper()
	o, ok := tr.Outcome()
	if !ok {
		t.Errorf("transition moves to another state, want completion %s", want)
		return
	}
	if o.Kind != want {
		t.Errorf("completion = %s (%q), want %s", o.Kind, o.Message, want)
	}
}

func condition(t *testing.T, obj stepwise.ObjectWithConditions, conditionType string) *metav1.Condition {
	t.Helper()
	cond := apimeta.FindStatusCondition(obj.GetConditions(), conditionType)
	if cond == nil {
		t.Errorf("%s has no %s condition", client.ObjectKeyFromObject(obj), conditionType)
	}
	return cond
}

func assertConditionStatus(t *testing.T, obj stepwise.ObjectWithConditions, conditionType string, want metav1.ConditionStatus) {
	t.Helper()
	if cond := condition(t, obj, conditionType); cond != nil && cond.Status != want {
		t.Errorf("condition %s is %s (%s: %q), want %s", conditionType, cond.Status, cond.Reason, cond.Message, want)
	}
}

func AssertConditionTrue(t *testing.T, obj stepwise.ObjectWithConditions, conditionType string) {
	t.Helper()
	assertConditionStatus(t, obj, conditionType, metav1.ConditionTrue)
}

func AssertConditionFalse(t *testing.T, obj stepwise.ObjectWithConditions, conditionType string) {
	t.Helper()
	assertConditionStatus(t, obj, conditionType, metav1.ConditionFalse)
}

func AssertConditionReason(t *testing.T, obj stepwise.ObjectWithConditions, conditionType, reason string) {
	t.Helper()
	if cond := condition(t, obj, conditionType); cond != nil && cond.Reason != reason {
		t.Errorf("condition %s reason = %q, want %q", conditionType, cond.Reason, reason)
	}
}

func AssertPhase(t *testing.T, obj stepwise.ObjectWithPhase, want string) {
	t.Helper()
	if got := obj.GetPhase(); got != want {
		t.Errorf("phase = %q, want %q", got, want)
	}
}

func AssertObservedGeneration(t *testing.T, obj stepwise.ObjectWithObservedGeneration, want int64) {
	t.Helper()
	if got := obj.GetObservedGeneration(); got != want {
		t.Errorf("observedGeneration = %d, want %d", got, want)
	}
}

// AssertPhases fails unless the distinct phases written for key are exactly
// want, in order.
func AssertPhases(t *testing.T, c *FakeClient, key types.NamespacedName, want ...string) {
	t.Helper()
	got := c.Phases(key)
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("phases for %s = %v, want %v", key, got, want)
	}
}

// AssertFinalizer fails unless the stored object's finalizer presence
// matches present.
func AssertFinalizer(t *testing.T, c client.Client, obj client.Object, finalizer string, present bool) {
	t.Helper()
	stored := obj.DeepCopyObject().(client.Object)
	if err := c.Get(context.Background(), client.ObjectKeyFromObject(obj), stored); err != nil {
		t.Errorf("get %s: %v", client.ObjectKeyFromObject(obj), err)
		return
	}
	if has := controllerutil.ContainsFinalizer(stored, finalizer); has != present {
		t.Errorf("finalizer %s present = %v, want %v (finalizers %v)", finalizer, has, present, stored.GetFinalizers())
	}
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := wait.PollUntilContextCancel(ctx, 5*time.Millisecond, true, func(context.Context) (bool, error) {
		return cond(), nil
	})
	if err != nil {
		t.Fatalf("condition not met within %s: %s", timeout, msg)
	}
}
