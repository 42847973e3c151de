package stepwise

import (
	"context"
	"sync"
	"time"
)

// Phase names the framework writes itself. Any other phase is the name of
// a state, so graphs are free to pick their own; Pending and Running are
// here because most graphs start from them.
const (
	PhasePending     = "Pending"
	PhaseRunning     = "Running"
	PhaseTerminating = "Terminating"
	PhaseSucceeded   = "Succeeded"
	PhaseFailed      = "Failed"
)

// State is a named step of a graph over object context S. States hold no
// per-object data; the engine passes S into Step and keeps it between
// steps. Edges exist only as the Transitions Step returns.
//
//	func (g *Operator) provision(ctx context.Context, s *GuestbookContext) (stepwise.Transition[*GuestbookContext], error) {
//	    if err := s.render(ctx); err != nil {
//	        return stepwise.Transition[*GuestbookContext]{}, err
//	    }
//	    return stepwise.Next(g.provisioning, g.running), nil
//	}
type State[S any] interface {
	// Name is written as the object's phase on entry.
	Name() string

	// Step does the state's work. On error the engine stays put and the
	// retry policy decides whether Step runs again.
	Step(ctx context.Context, s S) (Transition[S], error)
}

// StepFunc is the signature of a function-valued state.
type StepFunc[S any] func(ctx context.Context, s S) (Transition[S], error)

// funcState adapts a StepFunc into a State.
type funcState[S any] struct {
	name string
	fn   StepFunc[S]
}

// NewState returns a State named name whose step is fn.
// It is convenient for small graphs and tests.
func NewState[S any](name string, fn StepFunc[S]) State[S] {
	return &funcState[S]{name: name, fn: fn}
}

func (f *funcState[S]) Name() string { return f.name }

func (f *funcState[S]) Step(ctx context.Context, s S) (Transition[S], error) {
	return f.fn(ctx, s)
}

// StateHistoryEntry is one recorded transition.
type StateHistoryEntry struct {
	From      string
	To        string
	Timestamp time.Time
	Reason    string
}

// StateHistory is a bounded log of transitions. When full, the oldest entry
// is overwritten.
type StateHistory struct {
	mu   sync.RWMutex
	ring []StateHistoryEntry
	head int // index of the oldest entry once the ring is full
	full bool
}

// NewStateHistory keeps up to size entries, 32 if size is not positive.
func NewStateHistory(size int) *StateHistory {
	if size <= 0 {
		size = 32
	}
	return &StateHistory{ring: make([]StateHistoryEntry, 0, size)}
}

func (h *StateHistory) Record(from, to, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := StateHistoryEntry{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	if !h.full {
		h.ring = append(h.ring, e)
		h.full = len(h.ring) == cap(h.ring)
		return
	}
	h.ring[h.head] = e
	h.head = (h.head + 1) % len(h.ring)
}

func (h *StateHistory) ordered() []StateHistoryEntry {
	out := make([]StateHistoryEntry, 0, len(h.ring))
	out = append(out, h.ring[h.head:]...)
	return append(out, h.ring[:h.head]...)
}

// Entries returns the recorded transitions, oldest first.
func (h *StateHistory) Entries() []StateHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ordered()
}

// Last returns the newest entry, or nil.
func (h *StateHistory) Last() *StateHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.ring) == 0 {
		return nil
	}
	i := len(h.ring) - 1
	if h.full {
		i = (h.head + len(h.ring) - 1) % len(h.ring)
	}
	e := h.ring[i]
	return &e
}

// Path lists the states visited: the oldest entry's origin, then every
// destination.
func (h *StateHistory) Path() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.ring) == 0 {
		return nil
	}
	entries := h.ordered()
	path := []string{entries[0].From}
	for _, e := range entries {
		path = append(path, e.To)
	}
	return path
}

func (h *StateHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = h.ring[:0]
	h.head = 0
	h.full = false
}
