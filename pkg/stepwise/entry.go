package stepwise

import (
	"context"
	"reflect"
	"sync"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// EventType is the kind of change an Event reports.
type EventType string

const (
	EventAdded    EventType = "Added"
	EventModified EventType = "Modified"
	EventDeleted  EventType = "Deleted"
)

// Event is one object notification from the watch stream.
type Event[T client.Object] struct {
	Type   EventType
	Object T
}

// Key returns the object key of the event.
func (e Event[T]) Key() types.NamespacedName {
	return client.ObjectKeyFromObject(e.Object)
}

// deleting reports whether the event starts or completes a deletion.
func (e Event[T]) deleting() bool {
	return e.Type == EventDeleted || !e.Object.GetDeletionTimestamp().IsZero()
}

// entry is the dispatcher's record for one object key.
//
// Fields under "guarded by mu" are shared between Dispatch and the key's
// drain task. The rest belong to the drain task, of which at most one is
// alive per entry.
type entry[T client.Object, S any] struct {
	key     types.NamespacedName
	history *StateHistory

	mu                  sync.Mutex // guards the fields below
	running             bool
	cleaning            bool
	retired             bool
	cancel              context.CancelFunc
	pending             []Event[T]
	lastResourceVersion string
	latest              T

	uid                   types.UID
	hasRun                bool
	lastRunGeneration     int64
	cleanupAttempted      bool
	lastCleanupGeneration int64
	registered            bool
	resumeChecked         bool
	objCtx                S
	hasObjCtx             bool
}

func newEntry[T client.Object, S any](key types.NamespacedName, historySize int) *entry[T, S] {
	return &entry[T, S]{
		key:     key,
		history: NewStateHistory(historySize),
	}
}

// enqueue appends ev, dropping the oldest non-deletion event when the queue
// is full. It reports whether an event was dropped. Caller holds mu.
func (e *entry[T, S]) enqueue(ev Event[T], depth int) bool {
	e.latest = ev.Object
	dropped := false
	if depth > 0 && len(e.pending) >= depth {
		for i, queued := range e.pending {
			if !queued.deleting() {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				dropped = true
				break
			}
		}
	}
	e.pending = append(e.pending, ev)
	return dropped
}

// next pops the event to process. Queued events are coalesced: a pending
// deletion supersedes everything before it, otherwise only the most recent
// event is kept. Events queued after a Deleted event belong to a recreated
// object and stay queued. Caller holds mu.
func (e *entry[T, S]) next() (Event[T], bool) {
	if len(e.pending) == 0 {
		var zero Event[T]
		return zero, false
	}

	last := len(e.pending) - 1
	chosen, at := e.pending[last], last
	for i := last; i >= 0; i-- {
		if e.pending[i].deleting() {
			if !chosen.deleting() || e.pending[i].Type == EventDeleted {
				chosen, at = e.pending[i], i
			}
			break
		}
	}
	if chosen.Type == EventDeleted && at < last {
		e.pending = append(e.pending[:0], e.pending[at+1:]...)
	} else {
		e.pending = e.pending[:0]
	}
	return chosen, true
}

// resetIncarnation forgets per-object progress after the object was
// recreated under the same key.
func (e *entry[T, S]) resetIncarnation() {
	e.hasRun = false
	e.lastRunGeneration = 0
	e.cleanupAttempted = false
	e.lastCleanupGeneration = 0
	e.registered = false
	e.resumeChecked = false
	e.history.Clear()
}

// newObject creates a new instance of T using reflection.
// T must be a pointer type (e.g., *v1.MyResource).
func newObject[T client.Object]() T {
	var zero T
	return reflect.New(reflect.TypeOf(zero).Elem()).Interface().(T)
}

// isNil reports whether obj is a nil interface or a typed nil pointer.
func isNil[T client.Object](obj T) bool {
	v := reflect.ValueOf(obj)
	return !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil())
}
