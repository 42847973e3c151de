package stepwise

// OutcomeKind classifies how a state graph run ended.
type OutcomeKind int

const (
	// OutcomeSucceeded indicates the graph reached a successful terminal transition.
	OutcomeSucceeded OutcomeKind = iota

	// OutcomeFailed indicates the graph reached a failed terminal transition,
	// or a fault was not retried.
	OutcomeFailed

	// OutcomeCancelled indicates the run stopped at a transition boundary
	// because its object was deleted or the operator is shutting down.
	OutcomeCancelled
)

// String returns a string representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a state graph run.
//
// Use the constructor functions (Succeeded, Failed) rather than building
// Outcome values directly.
type Outcome struct {
	// Kind classifies the outcome.
	Kind OutcomeKind

	// Phase is the phase persisted for the terminal transition.
	// Defaults to PhaseSucceeded or PhaseFailed.
	Phase string

	// Message is a human-readable status message.
	Message string

	// Err is the failure cause for OutcomeFailed.
	Err error
}

// Succeeded returns a successful outcome.
//
// Example:
//
//	return stepwise.Complete[*MyContext](stepwise.Succeeded("all replicas ready")), nil
func Succeeded(message string) Outcome {
	return Outcome{
		Kind:    OutcomeSucceeded,
		Phase:   PhaseSucceeded,
		Message: message,
	}
}

// Failed returns a terminal failure outcome for err.
func Failed(err error) Outcome {
	o := Outcome{
		Kind:  OutcomeFailed,
		Phase: PhaseFailed,
		Err:   err,
	}
	if err != nil {
		o.Message = GetErrorMessage(err)
	}
	return o
}

// Cancelled returns the outcome reported for a run stopped at a boundary.
func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

// WithPhase returns a copy of the outcome that persists the given
// application-defined phase instead of the default.
//
// Example:
//
//	return stepwise.Complete[*MyContext](stepwise.Succeeded("serving").WithPhase("Ready")), nil
func (o Outcome) WithPhase(phase string) Outcome {
	o.Phase = phase
	return o
}

// IsSucceeded returns true for a successful outcome.
func (o Outcome) IsSucceeded() bool {
	return o.Kind == OutcomeSucceeded
}

// IsCancelled returns true for a cancelled outcome.
func (o Outcome) IsCancelled() bool {
	return o.Kind == OutcomeCancelled
}
