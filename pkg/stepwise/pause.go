package stepwise

import (
	"context"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// AnnotationPaused pauses an object when set to "true". The dispatcher
// starts no runs for a paused object and records a Paused condition
// instead. Deletion of a paused object still runs cleanup.
const AnnotationPaused = "stepwise.io/paused"

// Pause condition constants.
const (
	// ConditionTypePaused is True while the object is paused.
	ConditionTypePaused = "Paused"

	ReasonPaused  = "Paused"
	ReasonResumed = "Resumed"
)

// IsPaused reports whether obj carries the paused annotation.
func IsPaused(obj client.Object) bool {
	return obj.GetAnnotations()[AnnotationPaused] == "true"
}

// Pause sets the paused annotation on obj. The caller persists the change.
func Pause(obj client.Object) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string)
	}
	annotations[AnnotationPaused] = "true"
	obj.SetAnnotations(annotations)
}

// Resume removes the paused annotation from obj. The caller persists the
// change.
func Resume(obj client.Object) {
	annotations := obj.GetAnnotations()
	if _, ok := annotations[AnnotationPaused]; !ok {
		return
	}
	delete(annotations, AnnotationPaused)
	obj.SetAnnotations(annotations)
}

func pausedConditionTrue(obj client.Object) bool {
	cond := findCondition(obj, ConditionTypePaused)
	return cond != nil && cond.Status == metav1.ConditionTrue
}

// markPaused records that obj is paused. Repeated calls write nothing.
func (d *Dispatcher[T, S]) markPaused(ctx context.Context, obj T, log logr.Logger) {
	d.metrics.RecordDroppedEvent(d.config.Name, DropReasonPaused)
	if pausedConditionTrue(obj) {
		return
	}
	log.Info("object is paused, not running")
	err := d.status.PersistStatus(ctx, obj, func(o T) {
		setCondition(o, ConditionTypePaused, metav1.ConditionTrue, ReasonPaused, "paused by annotation "+AnnotationPaused)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error(err, "could not record pause")
		}
		return
	}
	d.recorder.Event(obj, corev1.EventTypeNormal, ReasonPaused, "Reconciliation paused")
}

// markResumed flips a Paused condition left by an earlier pause.
func (d *Dispatcher[T, S]) markResumed(ctx context.Context, obj T, log logr.Logger) {
	if !pausedConditionTrue(obj) {
		return
	}
	log.Info("object resumed")
	err := d.status.PersistStatus(ctx, obj, func(o T) {
		setCondition(o, ConditionTypePaused, metav1.ConditionFalse, ReasonResumed, "")
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error(err, "could not record resume")
		}
		return
	}
	d.recorder.Event(obj, corev1.EventTypeNormal, ReasonResumed, "Reconciliation resumed")
}
