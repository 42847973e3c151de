// Package stepwise runs Kubernetes objects through typed state graphs on top
// of controller-runtime. Each object of a resource kind is driven by its own
// engine, one step at a time, from an initial state to a terminal outcome.
//
// # Philosophy
//
// Stepwise moves operator authors from thinking about "Reconcile Loops"
// (level-triggered plumbing) to thinking about "State Graphs" (named steps
// and the transitions between them). The framework owns event routing,
// status persistence, finalizers, retries and cleanup.
//
// # Architecture
//
// The framework consists of four layers:
//
//   - Primitives: State, Transition and Outcome. Transitions can only be
//     built between states over the same object context type, which the
//     compiler checks through generics.
//   - Engine: drives one graph, persisting every entered state before its
//     step runs and stopping at the first fault or cancellation.
//   - Dispatcher: routes watch events to at most one engine per object,
//     coalesces queued events, retries faults with backoff and runs the
//     cleanup graph before releasing the finalizer.
//   - StatusReconciler and AdmissionAdapter: optimistic-concurrency status
//     writes and validating/mutating admission for the same kind.
//
// # Basic Usage
//
// Define states over your object context:
//
//	var provision = stepwise.NewState("Provisioning", func(ctx context.Context, g *GuestbookContext) (stepwise.Transition[*GuestbookContext], error) {
//	    if err := g.ensureDeployment(ctx); err != nil {
//	        return stepwise.Transition[*GuestbookContext]{}, stepwise.Retryable(err)
//	    }
//	    return stepwise.Next(provisionState, runningState), nil
//	})
//
// Implement Operator and start a dispatcher:
//
//	d := stepwise.NewDispatcher[*v1.Guestbook](mgr.GetClient(), &GuestbookOperator{}, recorder, log).
//	    WithConfig(cfg)
//	if err := d.SetupWithManager(ctx, mgr); err != nil {
//	    return err
//	}
//
// Errors returned by steps are classified with Retryable, Permanent,
// Transient and Terminal; the RetryPolicy decides what happens to errors
// carrying no classification.
package stepwise
