package stepwisetest

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
)

type contextConfig struct {
	object client.Object
	client client.Client
	log    logr.Logger
}

// ContextOption configures NewFakeContext.
type ContextOption func(*contextConfig)

// WithObject sets the object the context drives. Defaults to a Widget
// named default/test.
func WithObject(obj client.Object) ContextOption {
	return func(c *contextConfig) { c.object = obj }
}

// WithClient sets the client. Defaults to a new FakeClient holding nothing.
func WithClient(cl client.Client) ContextOption {
	return func(c *contextConfig) { c.client = cl }
}

// WithLogger sets the logger. Defaults to logr.Discard.
func WithLogger(log logr.Logger) ContextOption {
	return func(c *contextConfig) { c.log = log }
}

// TestContext is a stepwise.Context for calling states directly, plus the
// recorder its events go to.
type TestContext struct {
	*stepwise.Context

	T             *testing.T
	EventRecorder *FakeEventRecorder

	// FakeClient is the context's client when it is a FakeClient, else nil.
	FakeClient *FakeClient
}

// NewFakeContext creates a TestContext without a dispatcher.
//
//	tc := stepwisetest.NewFakeContext(t, stepwisetest.WithObject(gb), stepwisetest.WithClient(c))
//	tr, err := provisioning.Step(ctx, &GuestbookContext{Context: tc.Context})
func NewFakeContext(t *testing.T, opts ...ContextOption) *TestContext {
	t.Helper()

	cfg := contextConfig{log: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = NewFakeClient()
	}
	if cfg.object == nil {
		cfg.object = NewWidget("default", "test")
	}

	recorder := NewFakeEventRecorder()
	fc, _ := cfg.client.(*FakeClient)
	return &TestContext{
		Context:       stepwise.NewContext(cfg.client, cfg.log, recorder, cfg.object),
		T:             t,
		EventRecorder: recorder,
		FakeClient:    fc,
	}
}

// AssertEventRecorded fails the test unless an event of the given type and
// reason was recorded.
func (tc *TestContext) AssertEventRecorded(eventType, reason string) {
	tc.T.Helper()
	if !tc.EventRecorder.HasEvent(eventType, reason) {
		tc.T.Errorf("no %s event with reason %s, got %v", eventType, reason, tc.EventRecorder.Events())
	}
}

// AssertNoEvents fails the test if any event was recorded.
func (tc *TestContext) AssertNoEvents() {
	tc.T.Helper()
	if events := tc.EventRecorder.Events(); len(events) > 0 {
		tc.T.Errorf("expected no events, got %v", events)
	}
}

// RecordedEvent is one event captured by a FakeEventRecorder.
type RecordedEvent struct {
	Object    runtime.Object
	EventType string
	Reason    string
	Message   string
}

func (e RecordedEvent) String() string {
	return e.EventType + " " + e.Reason + ": " + e.Message
}

// FakeEventRecorder is a record.EventRecorder that keeps every event in
// memory. Unlike record.FakeRecorder it never blocks or drops events, and it
// is safe for concurrent use, so one recorder can be handed to a Dispatcher.
type FakeEventRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewFakeEventRecorder creates an empty FakeEventRecorder.
func NewFakeEventRecorder() *FakeEventRecorder {
	return &FakeEventRecorder{}
}

func (r *FakeEventRecorder) Event(object runtime.Object, eventType, reason, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Object: object, EventType: eventType, Reason: reason, Message: message})
}

func (r *FakeEventRecorder) Eventf(object runtime.Object, eventType, reason, messageFmt string, args ...interface{}) {
	r.Event(object, eventType, reason, fmt.Sprintf(messageFmt, args...))
}

func (r *FakeEventRecorder) AnnotatedEventf(object runtime.Object, _ map[string]string, eventType, reason, messageFmt string, args ...interface{}) {
	r.Eventf(object, eventType, reason, messageFmt, args...)
}

// Events returns a copy of the recorded events, oldest first.
func (r *FakeEventRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// GetEvents returns the recorded events of the given type and reason.
func (r *FakeEventRecorder) GetEvents(eventType, reason string) []RecordedEvent {
	var matched []RecordedEvent
	for _, e := range r.Events() {
		if e.EventType == eventType && e.Reason == reason {
			matched = append(matched, e)
		}
	}
	return matched
}

// HasEvent reports whether an event of the given type and reason was recorded.
func (r *FakeEventRecorder) HasEvent(eventType, reason string) bool {
	return len(r.GetEvents(eventType, reason)) > 0
}

// Reasons returns the reasons of all recorded events joined by commas, for
// compact failure messages.
func (r *FakeEventRecorder) Reasons() string {
	events := r.Events()
	reasons := make([]string, len(events))
	for i, e := range events {
		reasons[i] = e.Reason
	}
	return strings.Join(reasons, ",")
}
