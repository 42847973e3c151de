package stepwisetest

import (
	"context"
	"errors"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
)

// FakeClient wraps controller-runtime's fake client with status write
// recording and fault injection.
type FakeClient struct {
	client.WithWatch

	mu              sync.Mutex
	phases          map[types.NamespacedName][]string
	statusWrites    int
	statusConflicts int
	statusErr       error
	updateErr       error
}

// ClientOption configures a FakeClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	scheme     *runtime.Scheme
	objects    []client.Object
	withStatus []client.Object
}

// WithObjects seeds the store.
func WithObjects(objs ...client.Object) ClientOption {
	return func(o *clientOptions) {
		o.objects = append(o.objects, objs...)
	}
}

// WithScheme sets the scheme. Defaults to NewScheme.
func WithScheme(s *runtime.Scheme) ClientOption {
	return func(o *clientOptions) {
		o.scheme = s
	}
}

// WithStatusSubresource sets the types that have a status subresource,
// replacing the default of Widget. Types must be known to the scheme.
func WithStatusSubresource(objs ...client.Object) ClientOption {
	return func(o *clientOptions) {
		o.withStatus = append(o.withStatus, objs...)
	}
}

// NewFakeClient creates a FakeClient with Widget registered as having a
// status subresource.
//
// Example:
//
//	c := stepwisetest.NewFakeClient(stepwisetest.WithObjects(widget))
//	c.FailStatusWrites(2) // next two status patches conflict
func NewFakeClient(opts ...ClientOption) *FakeClient {
	o := &clientOptions{scheme: NewScheme()}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.withStatus) == 0 {
		o.withStatus = []client.Object{&Widget{}}
	}

	fc := &FakeClient{phases: make(map[types.NamespacedName][]string)}
	fc.WithWatch = fake.NewClientBuilder().
		WithScheme(o.scheme).
		WithObjects(o.objects...).
		WithStatusSubresource(o.withStatus...).
		WithInterceptorFuncs(interceptor.Funcs{
			Update:           fc.interceptUpdate,
			SubResourcePatch: fc.interceptStatusPatch,
		}).
		Build()
	return fc
}

// FailStatusWrites makes the next n status patches fail with a conflict.
func (c *FakeClient) FailStatusWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusConflicts = n
}

// SetStatusError makes every status patch fail with err until cleared with
// nil.
func (c *FakeClient) SetStatusError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

// SetUpdateError makes every object update fail with err until cleared with
// nil.
func (c *FakeClient) SetUpdateError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateErr = err
}

// Phases returns the distinct phases written for key, in order.
func (c *FakeClient) Phases(key types.NamespacedName) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.phases[key]...)
}

// StatusWrites returns the number of successful status patches.
func (c *FakeClient) StatusWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusWrites
}

func (c *FakeClient) interceptUpdate(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
	c.mu.Lock()
	err := c.updateErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return cl.Update(ctx, obj, opts...)
}

func (c *FakeClient) interceptStatusPatch(ctx context.Context, cl client.Client, subResource string, obj client.Object, patch client.Patch, opts ...client.SubResourcePatchOption) error {
	c.mu.Lock()
	if c.statusErr != nil {
		err := c.statusErr
		c.mu.Unlock()
		return err
	}
	if c.statusConflicts > 0 {
		c.statusConflicts--
		c.mu.Unlock()
		return apierrors.NewConflict(GroupVersion.WithResource("widgets").GroupResource(), obj.GetName(), errors.New("injected conflict"))
	}
	c.mu.Unlock()

	if err := cl.SubResource(subResource).Patch(ctx, obj, patch, opts...); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusWrites++
	if owp, ok := obj.(stepwise.ObjectWithPhase); ok && subResource == "status" {
		key := client.ObjectKeyFromObject(obj)
		seen := c.phases[key]
		if phase := owp.GetPhase(); len(seen) == 0 || seen[len(seen)-1] != phase {
			c.phases[key] = append(seen, phase)
		}
	}
	return nil
}
