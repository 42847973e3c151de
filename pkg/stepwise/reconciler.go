package stepwise

import (
	"context"
	"reflect"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// DefaultFinalizerName is the finalizer added to objects tracked by a Dispatcher.
const DefaultFinalizerName = "stepwise.io/finalizer"

// StatusReconciler writes run progress back to the authoritative store and
// manages the dispatcher's finalizer.
//
// Every write is conditional on the object's resourceVersion. When the store
// reports a conflict the reconciler reloads the object, re-applies the
// mutation to the fresh copy and tries again, so a concurrent external edit
// is never silently overwritten.
type StatusReconciler[T client.Object] struct {
	// Client is the Kubernetes client for API operations.
	Client client.Client

	// Log is the base logger.
	Log logr.Logger

	// FinalizerName is the finalizer managed on tracked objects.
	FinalizerName string

	// ConflictBackoff bounds the reload-and-retry loop on conflicts.
	ConflictBackoff wait.Backoff
}

// NewStatusReconciler creates a StatusReconciler with the default finalizer
// name and client-go's default conflict backoff.
func NewStatusReconciler[T client.Object](c client.Client, log logr.Logger) *StatusReconciler[T] {
	return &StatusReconciler[T]{
		Client:          c,
		Log:             log,
		FinalizerName:   DefaultFinalizerName,
		ConflictBackoff: retry.DefaultRetry,
	}
}

// PersistStatus applies mutate to obj and patches the status subresource.
//
// The write is skipped entirely when mutate leaves the object semantically
// unchanged, which makes repeated persistence of the same status a no-op.
// On success obj reflects the stored object, including its new
// resourceVersion. On failure obj is left as it was before the call.
func (r *StatusReconciler[T]) PersistStatus(ctx context.Context, obj T, mutate func(T)) error {
	key := client.ObjectKeyFromObject(obj)
	log := r.Log.WithValues("namespace", key.Namespace, "name", key.Name)

	reload := false
	return retry.RetryOnConflict(r.ConflictBackoff, func() error {
		if reload {
			log.V(1).Info("status conflict, reloading object")
			if err := r.Client.Get(ctx, key, obj); err != nil {
				return err
			}
		}
		reload = true

		original := obj.DeepCopyObject().(T)
		mutate(obj)
		if equality.Semantic.DeepEqual(original, obj) {
			log.V(1).Info("status unchanged, skipping write")
			return nil
		}
		stampLastUpdated(obj, time.Now())

		patch := client.MergeFromWithOptions(original, client.MergeFromWithOptimisticLock{})
		if err := r.Client.Status().Patch(ctx, obj, patch); err != nil {
			restore(obj, original)
			return err
		}
		return nil
	})
}

// EnsureFinalizer adds the finalizer to obj if it is missing.
// It reports whether the object was updated.
func (r *StatusReconciler[T]) EnsureFinalizer(ctx context.Context, obj T) (bool, error) {
	if controllerutil.ContainsFinalizer(obj, r.FinalizerName) {
		return false, nil
	}

	key := client.ObjectKeyFromObject(obj)
	updated := false
	reload := false
	err := retry.RetryOnConflict(r.ConflictBackoff, func() error {
		if reload {
			if err := r.Client.Get(ctx, key, obj); err != nil {
				return err
			}
		}
		reload = true

		previous := obj.GetFinalizers()
		if !controllerutil.AddFinalizer(obj, r.FinalizerName) {
			return nil
		}
		if err := r.Client.Update(ctx, obj); err != nil {
			obj.SetFinalizers(previous)
			return err
		}
		updated = true
		return nil
	})
	if err == nil && updated {
		r.Log.V(1).Info("added finalizer", "namespace", key.Namespace, "name", key.Name)
	}
	return updated, err
}

// RemoveFinalizer removes the finalizer from obj. An object that no longer
// exists counts as success.
func (r *StatusReconciler[T]) RemoveFinalizer(ctx context.Context, obj T) error {
	key := client.ObjectKeyFromObject(obj)
	reload := false
	err := retry.RetryOnConflict(r.ConflictBackoff, func() error {
		if reload {
			if err := r.Client.Get(ctx, key, obj); err != nil {
				return err
			}
		}
		reload = true

		previous := obj.GetFinalizers()
		if !controllerutil.RemoveFinalizer(obj, r.FinalizerName) {
			return nil
		}
		if err := r.Client.Update(ctx, obj); err != nil {
			obj.SetFinalizers(previous)
			return err
		}
		return nil
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err == nil {
		r.Log.V(1).Info("removed finalizer", "namespace", key.Namespace, "name", key.Name)
	}
	return err
}

// restore copies src over dst. Both must be pointers to the same struct type.
func restore[T client.Object](dst, src T) {
	reflect.ValueOf(dst).Elem().Set(reflect.ValueOf(src).Elem())
}
