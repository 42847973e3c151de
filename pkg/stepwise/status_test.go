package stepwise

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// trackedConfigMap is a ConfigMap with the status surface a CRD would have.
type trackedConfigMap struct {
	corev1.ConfigMap

	observedGeneration int64
	conditions         []metav1.Condition
}

func (c *trackedConfigMap) GetObservedGeneration() int64        { return c.observedGeneration }
func (c *trackedConfigMap) SetObservedGeneration(gen int64)     { c.observedGeneration = gen }
func (c *trackedConfigMap) GetConditions() []metav1.Condition   { return c.conditions }
func (c *trackedConfigMap) SetConditions(cs []metav1.Condition) { c.conditions = cs }

func TestApplyStepStatus_StampsRunGeneration(t *testing.T) {
	tests := []struct {
		name    string
		objGen  int64
		runGen  int64
		wantGen int64
	}{
		{"run generation wins over a reloaded object", 3, 2, 2},
		{"zero falls back to the object", 4, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := &trackedConfigMap{}
			obj.Generation = tt.objGen

			applyStepStatus(obj, StepStatus{
				Phase:      PhaseSucceeded,
				Terminal:   true,
				Outcome:    OutcomeSucceeded,
				Generation: tt.runGen,
			})

			if obj.observedGeneration != tt.wantGen {
				t.Errorf("observedGeneration = %d, want %d", obj.observedGeneration, tt.wantGen)
			}
			for _, ct := range []string{ConditionTypeReady, ConditionTypeProgressing} {
				cond := findCondition(obj, ct)
				if cond == nil {
					t.Fatalf("condition %s missing", ct)
				}
				if cond.ObservedGeneration != tt.wantGen {
					t.Errorf("%s.ObservedGeneration = %d, want %d", ct, cond.ObservedGeneration, tt.wantGen)
				}
			}
		})
	}
}
