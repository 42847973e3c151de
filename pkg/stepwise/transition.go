package stepwise

// Transition is the result of running one State: either continue to another
// State bound to the same object context type, or complete the graph.
//
// Transition has no exported fields. Use Next, Complete, Succeed or Fail to
// build one. Because Next requires both its origin and target to implement
// State[S] for the same S, wiring a state from one operator's graph into
// another's is rejected by the compiler.
type Transition[S any] struct {
	from    string
	next    State[S]
	outcome *Outcome
}

// Next returns a Transition from one state to another of the same graph.
//
// Both arguments must implement State[S] for the identical S. Inside a
// State's Step method the type parameter is usually given explicitly, since
// Go cannot infer S from a concrete state type:
//
//	return stepwise.Next[*MyContext](p, Running{}), nil
func Next[S any](from, to State[S]) Transition[S] {
	t := Transition[S]{next: to}
	if from != nil {
		t.from = from.Name()
	}
	return t
}

// Complete returns a terminal Transition carrying the given outcome.
func Complete[S any](o Outcome) Transition[S] {
	return Transition[S]{outcome: &o}
}

// Succeed completes the graph successfully with the given status message.
func Succeed[S any](message string) Transition[S] {
	return Complete[S](Succeeded(message))
}

// Fail completes the graph with a terminal failure. The error is persisted
// as the object's status message and is not retried.
func Fail[S any](err error) Transition[S] {
	return Complete[S](Failed(err))
}

// IsComplete reports whether the transition ends the graph.
func (t Transition[S]) IsComplete() bool {
	return t.outcome != nil
}

// Target returns the next state, or nil for a terminal transition.
func (t Transition[S]) Target() State[S] {
	return t.next
}

// Outcome returns the terminal outcome and true if the transition completes
// the graph.
func (t Transition[S]) Outcome() (Outcome, bool) {
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

// valid reports whether the transition was built through one of the
// constructors with a usable target.
func (t Transition[S]) valid() bool {
	return t.outcome != nil || t.next != nil
}
