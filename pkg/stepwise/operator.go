package stepwise

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Operator is the author surface for one resource kind T driven through a
// state graph over the object context type S.
//
// The same Operator value serves every object of kind T, concurrently, so
// any state it holds is shared across objects and must be safe for
// concurrent use. Per-object state belongs in S.
type Operator[T client.Object, S any] interface {
	// InitialState returns the state a fresh run starts from.
	InitialState() State[S]

	// CleanupState returns the state run when an object carrying the
	// dispatcher's finalizer is being deleted. The finalizer is removed
	// only after this graph completes successfully.
	CleanupState() State[S]

	// NewObjectContext builds the object context for one run.
	//
	// Parameters:
	//   - ctx: The dispatcher's run context
	//   - obj: The object, already carrying the finalizer
	//   - sCtx: The framework context providing client, logging and events for obj
	NewObjectContext(ctx context.Context, obj T, sCtx *Context) (S, error)
}

// RegistrationHook is an optional interface called the first time the
// dispatcher sees an object, before its first run.
type RegistrationHook[T client.Object] interface {
	Registered(ctx context.Context, obj T) error
}

// DeregistrationHook is an optional interface called after an object's
// finalizer was removed, or after the object disappeared from the store.
type DeregistrationHook[T client.Object] interface {
	Deregistered(ctx context.Context, obj T) error
}

// ContextReleaser is an optional interface called with an object's most
// recent context when the dispatcher stops tracking it. Use it to close
// per-object resources the context holds.
type ContextReleaser[S any] interface {
	Release(ctx context.Context, s S)
}

// Resumer is an optional interface used for crash recovery. On the first
// run for an object in this process, the dispatcher passes the persisted
// phase to ResumeState; returning true resumes the graph from the returned
// state instead of InitialState.
//
// Terminal phases are never passed to ResumeState.
type Resumer[S any] interface {
	ResumeState(phase string) (State[S], bool)
}

// StatusMutator is an optional interface for writing operator-specific
// status fields. It is applied after the framework's own status fields on
// every status write, including re-applications after conflicts.
type StatusMutator[T client.Object, S any] interface {
	MutateStatus(obj T, s S)
}
