package stepwise

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

type podOperator struct{}

func (podOperator) InitialState() State[*Context] { return nil }
func (podOperator) CleanupState() State[*Context] { return nil }
func (podOperator) NewObjectContext(_ context.Context, _ *corev1.Pod, sCtx *Context) (*Context, error) {
	return sCtx, nil
}

func TestDispatcher_ReadyzCheck(t *testing.T) {
	d := NewDispatcher[*corev1.Pod](fake.NewClientBuilder().Build(), podOperator{}, nil, logr.Discard())
	var check healthz.Checker = d.ReadyzCheck
	req := httptest.NewRequest("GET", "/readyz", nil)

	if err := check(req); err != nil {
		t.Fatalf("ReadyzCheck() before shutdown = %v, want nil", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := check(req); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("ReadyzCheck() after shutdown = %v, want ErrShuttingDown", err)
	}
}
