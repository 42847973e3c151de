package stepwise

import (
	"context"
	"errors"
	"fmt"

	toolscache "k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// EventHandler returns an informer event handler feeding the dispatcher.
// Tombstones left by missed deletions are unwrapped.
func (d *Dispatcher[T, S]) EventHandler() toolscache.ResourceEventHandler {
	return toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			d.dispatchRaw(EventAdded, obj)
		},
		UpdateFunc: func(_, newObj interface{}) {
			d.dispatchRaw(EventModified, newObj)
		},
		DeleteFunc: func(obj interface{}) {
			if tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			d.dispatchRaw(EventDeleted, obj)
		},
	}
}

func (d *Dispatcher[T, S]) dispatchRaw(t EventType, raw interface{}) {
	obj, ok := raw.(T)
	if !ok {
		d.log.Info("ignoring event for unexpected type", "type", fmt.Sprintf("%T", raw))
		return
	}
	if err := d.Dispatch(context.Background(), Event[T]{Type: t, Object: obj}); err != nil && !errors.Is(err, ErrShuttingDown) {
		d.log.Error(err, "dispatch failed", "type", string(t))
	}
}

// SetupWithManager feeds the dispatcher from the manager's shared informer
// for T and registers it as a leader-elected runnable.
//
// Example:
//
//	d := stepwise.NewDispatcher[*v1.Guestbook](mgr.GetClient(), op,
//	    mgr.GetEventRecorderFor("guestbook"), ctrl.Log.WithName("guestbook"))
//	if err := d.SetupWithManager(ctx, mgr); err != nil {
//	    return err
//	}
func (d *Dispatcher[T, S]) SetupWithManager(ctx context.Context, mgr manager.Manager) error {
	informer, err := mgr.GetCache().GetInformer(ctx, newObject[T]())
	if err != nil {
		return fmt.Errorf("getting informer: %w", err)
	}
	if _, err := informer.AddEventHandler(d.EventHandler()); err != nil {
		return fmt.Errorf("adding event handler: %w", err)
	}
	return mgr.Add(d)
}
