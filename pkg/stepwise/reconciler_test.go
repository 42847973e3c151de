package stepwise_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
	"github.com/streamline-controllers/stepwise/pkg/stepwisetest"
)

func newStatusReconciler(t *testing.T) (*stepwise.StatusReconciler[*widget], *stepwisetest.FakeClient, *widget) {
	t.Helper()
	w := stepwisetest.NewWidget("default", "web")
	c := stepwisetest.NewFakeClient(stepwisetest.WithObjects(w))

	stored := &widget{}
	if err := c.Get(context.Background(), client.ObjectKeyFromObject(w), stored); err != nil {
		t.Fatal(err)
	}
	r := stepwise.NewStatusReconciler[*widget](c, logr.Discard())
	r.ConflictBackoff = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1}
	return r, c, stored
}

func setPhase(phase string) func(*widget) {
	return func(w *widget) { w.Status.Phase = phase }
}

func TestStatusReconciler_PersistStatus(t *testing.T) {
	r, c, w := newStatusReconciler(t)
	rv := w.ResourceVersion

	stepwisetest.AssertNoError(t, r.PersistStatus(context.Background(), w, setPhase("Running")))

	if w.ResourceVersion == rv {
		t.Error("object should carry the new resourceVersion")
	}
	if w.Status.LastUpdated == nil {
		t.Error("LastUpdated should be stamped")
	}
	stored := &widget{}
	_ = c.Get(context.Background(), client.ObjectKeyFromObject(w), stored)
	stepwisetest.AssertPhase(t, stored, "Running")

	// Persisting the same status again writes nothing.
	stepwisetest.AssertNoError(t, r.PersistStatus(context.Background(), w, setPhase("Running")))
	if got := c.StatusWrites(); got != 1 {
		t.Errorf("StatusWrites() = %d, want 1", got)
	}
}

func TestStatusReconciler_PersistStatusRetriesConflicts(t *testing.T) {
	r, c, w := newStatusReconciler(t)
	c.FailStatusWrites(2)

	stepwisetest.AssertNoError(t, r.PersistStatus(context.Background(), w, setPhase("Running")))
	if got := c.StatusWrites(); got != 1 {
		t.Errorf("StatusWrites() = %d, want 1", got)
	}
	stepwisetest.AssertPhases(t, c, client.ObjectKeyFromObject(w), "Running")
}

func TestStatusReconciler_PersistStatusReloadsStaleObject(t *testing.T) {
	r, c, w := newStatusReconciler(t)

	// Someone else changes the spec after we read the object.
	external := w.DeepCopy()
	external.Spec.Image = "nginx:1.27"
	stepwisetest.AssertNoError(t, c.Update(context.Background(), external))

	stepwisetest.AssertNoError(t, r.PersistStatus(context.Background(), w, setPhase("Running")))

	if w.Spec.Image != "nginx:1.27" {
		t.Errorf("Spec.Image = %q, the reloaded object should keep the external edit", w.Spec.Image)
	}
	stepwisetest.AssertPhase(t, w, "Running")
}

func TestStatusReconciler_PersistStatusFailure(t *testing.T) {
	t.Run("conflicts exhausted", func(t *testing.T) {
		r, c, w := newStatusReconciler(t)
		c.FailStatusWrites(10)

		err := r.PersistStatus(context.Background(), w, setPhase("Running"))
		if !apierrors.IsConflict(err) {
			t.Fatalf("PersistStatus() error = %v, want conflict", err)
		}
		if w.Status.Phase != "" {
			t.Errorf("Status.Phase = %q, a failed write must leave the object unchanged", w.Status.Phase)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		r, c, w := newStatusReconciler(t)
		c.SetStatusError(errors.New("connection refused"))

		var calls int
		err := r.PersistStatus(context.Background(), w, func(w *widget) {
			calls++
			w.Status.Phase = "Running"
		})
		stepwisetest.AssertErrorContains(t, err, "connection refused")
		if calls != 1 {
			t.Errorf("mutate calls = %d, want 1", calls)
		}
	})
}

func TestStatusReconciler_Finalizers(t *testing.T) {
	r, c, w := newStatusReconciler(t)
	ctx := context.Background()

	added, err := r.EnsureFinalizer(ctx, w)
	stepwisetest.AssertNoError(t, err)
	if !added {
		t.Error("EnsureFinalizer() should report an update")
	}
	stepwisetest.AssertFinalizer(t, c, w, stepwise.DefaultFinalizerName, true)

	added, err = r.EnsureFinalizer(ctx, w)
	stepwisetest.AssertNoError(t, err)
	if added {
		t.Error("EnsureFinalizer() should be a no-op when present")
	}

	stepwisetest.AssertNoError(t, r.RemoveFinalizer(ctx, w))
	stepwisetest.AssertFinalizer(t, c, w, stepwise.DefaultFinalizerName, false)
	if controllerutil.ContainsFinalizer(w, stepwise.DefaultFinalizerName) {
		t.Error("in-memory object should not carry the finalizer")
	}
}

func TestStatusReconciler_FinalizerErrors(t *testing.T) {
	t.Run("update failure restores finalizers", func(t *testing.T) {
		r, c, w := newStatusReconciler(t)
		c.SetUpdateError(errors.New("admission denied"))

		_, err := r.EnsureFinalizer(context.Background(), w)
		stepwisetest.AssertErrorContains(t, err, "admission denied")
		if len(w.Finalizers) != 0 {
			t.Errorf("Finalizers = %v, want none", w.Finalizers)
		}
	})

	t.Run("remove from missing object", func(t *testing.T) {
		r, c, w := newStatusReconciler(t)
		if _, err := r.EnsureFinalizer(context.Background(), w); err != nil {
			t.Fatal(err)
		}
		c.SetUpdateError(apierrors.NewNotFound(stepwisetest.GroupVersion.WithResource("widgets").GroupResource(), w.Name))

		stepwisetest.AssertNoError(t, r.RemoveFinalizer(context.Background(), w))
	})

	t.Run("custom finalizer name", func(t *testing.T) {
		r, c, w := newStatusReconciler(t)
		r.FinalizerName = "widgets.test.stepwise.io/cleanup"

		if _, err := r.EnsureFinalizer(context.Background(), w); err != nil {
			t.Fatal(err)
		}
		stepwisetest.AssertFinalizer(t, c, w, "widgets.test.stepwise.io/cleanup", true)
		stepwisetest.AssertFinalizer(t, c, w, stepwise.DefaultFinalizerName, false)
	})
}
