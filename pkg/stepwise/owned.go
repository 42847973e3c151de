package stepwise

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// EnsureOwned creates or updates child with the context's object as its
// controller. mutate sets the desired state on child and is called with the
// stored copy loaded, if any.
//
//	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name}}
//	result, err := s.EnsureOwned(ctx, cm, func() error {
//	    cm.Data = map[string]string{"message": gb.Spec.Message}
//	    return nil
//	})
func (c *Context) EnsureOwned(ctx context.Context, child client.Object, mutate func() error) (controllerutil.OperationResult, error) {
	result, err := controllerutil.CreateOrUpdate(ctx, c.Client, child, func() error {
		if mutate != nil {
			if err := mutate(); err != nil {
				return err
			}
		}
		return controllerutil.SetControllerReference(c.Object, child, c.Client.Scheme())
	})
	if err != nil {
		return result, fmt.Errorf("ensuring %s/%s: %w", child.GetNamespace(), child.GetName(), err)
	}
	return result, nil
}

// IsOwned reports whether obj is controlled by the context's object.
func (c *Context) IsOwned(obj client.Object) bool {
	return metav1.IsControlledBy(obj, c.Object)
}
