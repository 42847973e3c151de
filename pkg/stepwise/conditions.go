package stepwise

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Condition types maintained by the dispatcher on objects implementing
// ObjectWithConditions.
const (
	// ConditionTypeReady is True once the graph completed successfully.
	ConditionTypeReady = "Ready"

	// ConditionTypeProgressing is True while the graph is advancing and False
	// while a step is being retried or after the graph completed.
	ConditionTypeProgressing = "Progressing"
)

// Condition reasons.
const (
	ReasonStateEntered = "StateEntered"
	ReasonStepRetrying = "StepRetrying"
	ReasonStepFailed   = "StepFailed"
	ReasonSucceeded    = "Succeeded"
	ReasonFailed       = "Failed"
	ReasonInProgress   = "InProgress"
	ReasonCompleted    = "Completed"
	ReasonCleanup      = "Cleanup"
)

// setCondition sets a condition on obj if it implements ObjectWithConditions.
// lastTransitionTime only moves when the status changes, so repeating the
// same call leaves the object unchanged.
func setCondition(obj client.Object, conditionType string, status metav1.ConditionStatus, reason, message string) {
	setConditionAt(obj, obj.GetGeneration(), conditionType, status, reason, message)
}

func setConditionAt(obj client.Object, generation int64, conditionType string, status metav1.ConditionStatus, reason, message string) {
	owc, ok := obj.(ObjectWithConditions)
	if !ok {
		return
	}
	conditions := owc.GetConditions()
	meta.SetStatusCondition(&conditions, metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
	owc.SetConditions(conditions)
}

// findCondition returns the named condition, or nil.
func findCondition(obj client.Object, conditionType string) *metav1.Condition {
	owc, ok := obj.(ObjectWithConditions)
	if !ok {
		return nil
	}
	return meta.FindStatusCondition(owc.GetConditions(), conditionType)
}
