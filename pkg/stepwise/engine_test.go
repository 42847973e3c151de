package stepwise

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// journal is a shared log of sink writes and step invocations, in order.
type journal struct {
	mu      sync.Mutex
	entries []string
	writes  []StepStatus
	failOn  map[string]error
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) Persist(_ context.Context, st StepStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.failOn[st.Phase]; err != nil {
		return err
	}
	j.entries = append(j.entries, "persist:"+st.Phase)
	j.writes = append(j.writes, st)
	return nil
}

func (j *journal) log() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type runCtx struct {
	j *journal
}

func step(name string, next func() Transition[*runCtx]) State[*runCtx] {
	return NewState(name, func(_ context.Context, s *runCtx) (Transition[*runCtx], error) {
		s.j.add("step:" + name)
		return next(), nil
	})
}

// linearGraph builds Pending -> Provisioning -> Running -> Succeeded.
func linearGraph() State[*runCtx] {
	var pending, provisioning, running State[*runCtx]
	running = step("Running", func() Transition[*runCtx] { return Succeed[*runCtx]("serving") })
	provisioning = step("Provisioning", func() Transition[*runCtx] { return Next(provisioning, running) })
	pending = step("Pending", func() Transition[*runCtx] { return Next(pending, provisioning) })
	return pending
}

func TestEngine_Run(t *testing.T) {
	t.Run("persists each state before its step", func(t *testing.T) {
		j := &journal{}
		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), linearGraph(), &runCtx{j: j})

		if res.Fault != nil {
			t.Fatalf("unexpected fault: %v", res.Fault)
		}
		want := []string{
			"persist:Pending", "step:Pending",
			"persist:Provisioning", "step:Provisioning",
			"persist:Running", "step:Running",
			"persist:Succeeded",
		}
		if got := j.log(); !reflect.DeepEqual(got, want) {
			t.Errorf("journal = %v\nwant      %v", got, want)
		}
		if !res.Outcome.IsSucceeded() || res.Outcome.Message != "serving" {
			t.Errorf("Outcome = %+v", res.Outcome)
		}
		if res.Steps != 3 || res.Last != "Running" {
			t.Errorf("Steps/Last = %d/%q, want 3/Running", res.Steps, res.Last)
		}
	})

	t.Run("terminal status", func(t *testing.T) {
		j := &journal{}
		NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), linearGraph(), &runCtx{j: j})

		last := j.writes[len(j.writes)-1]
		if !last.Terminal || last.Outcome != OutcomeSucceeded || last.Phase != PhaseSucceeded {
			t.Errorf("terminal write = %+v", last)
		}
		for _, w := range j.writes[:len(j.writes)-1] {
			if w.Terminal {
				t.Errorf("non-terminal write marked terminal: %+v", w)
			}
		}
	})

	t.Run("history", func(t *testing.T) {
		j := &journal{}
		e := NewEngine[*runCtx](j, logr.Discard())
		e.Run(context.Background(), linearGraph(), &runCtx{j: j})

		if got := e.History().Path(); !reflect.DeepEqual(got, []string{"Pending", "Provisioning", "Running"}) {
			t.Errorf("Path() = %v", got)
		}
	})

	t.Run("failed outcome", func(t *testing.T) {
		j := &journal{}
		failing := step("Validating", func() Transition[*runCtx] {
			return Fail[*runCtx](PermanentWithReason(errors.New("bad"), "InvalidSpec", "replicas must be positive"))
		})
		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), failing, &runCtx{j: j})

		if res.Fault != nil {
			t.Fatalf("unexpected fault: %v", res.Fault)
		}
		if res.Outcome.Kind != OutcomeFailed {
			t.Errorf("Outcome.Kind = %v, want failed", res.Outcome.Kind)
		}
		last := j.writes[len(j.writes)-1]
		if last.Phase != PhaseFailed || last.Reason != "InvalidSpec" || last.Message != "replicas must be positive" {
			t.Errorf("terminal write = %+v", last)
		}
	})
}

func TestEngine_Faults(t *testing.T) {
	t.Run("step error stops at state", func(t *testing.T) {
		j := &journal{}
		cause := Retryable(errors.New("image pull"))
		var running State[*runCtx]
		running = NewState("Running", func(context.Context, *runCtx) (Transition[*runCtx], error) {
			return Transition[*runCtx]{}, cause
		})
		pending := step("Pending", func() Transition[*runCtx] { return Next[*runCtx](nil, running) })

		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), pending, &runCtx{j: j})

		if res.Fault == nil {
			t.Fatal("expected a fault")
		}
		if res.Fault.State != running || !errors.Is(res.Fault, cause) {
			t.Errorf("Fault = %v at %v", res.Fault.Err, res.Fault.State)
		}
		if res.Fault.Pending != nil {
			t.Error("Pending should be nil for a step fault")
		}
		if got := j.log(); got[len(got)-1] != "persist:Running" {
			t.Errorf("last journal entry = %q, want persist:Running", got[len(got)-1])
		}
	})

	t.Run("sink failure on entry", func(t *testing.T) {
		j := &journal{failOn: map[string]error{"Provisioning": errors.New("conflict")}}
		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), linearGraph(), &runCtx{j: j})

		if res.Fault == nil || res.Fault.State == nil || res.Fault.State.Name() != "Provisioning" {
			t.Fatalf("Fault = %+v, want fault at Provisioning", res.Fault)
		}
		for _, e := range j.log() {
			if e == "step:Provisioning" {
				t.Error("step must not run when its entry could not be persisted")
			}
		}
	})

	t.Run("sink failure on completion leaves pending outcome", func(t *testing.T) {
		j := &journal{failOn: map[string]error{PhaseSucceeded: errors.New("unavailable")}}
		e := NewEngine[*runCtx](j, logr.Discard())
		res := e.Run(context.Background(), linearGraph(), &runCtx{j: j})

		if res.Fault == nil || res.Fault.State != nil || res.Fault.Pending == nil {
			t.Fatalf("Fault = %+v, want pending outcome", res.Fault)
		}
		if !res.Fault.Pending.IsSucceeded() {
			t.Errorf("Pending = %+v", res.Fault.Pending)
		}

		j.failOn = nil
		if err := e.Finish(context.Background(), *res.Fault.Pending); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		if last := j.writes[len(j.writes)-1]; last.Phase != PhaseSucceeded || !last.Terminal {
			t.Errorf("terminal write = %+v", last)
		}
	})

	t.Run("invalid transition", func(t *testing.T) {
		j := &journal{}
		broken := step("Broken", func() Transition[*runCtx] { return Transition[*runCtx]{} })
		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), broken, &runCtx{j: j})

		if res.Fault == nil || !errors.Is(res.Fault, ErrInvalidTransition) {
			t.Fatalf("Fault = %v, want ErrInvalidTransition", res.Fault)
		}
		if !IsPermanent(res.Fault.Err) {
			t.Error("invalid transition should be permanent")
		}
	})

	t.Run("nil start", func(t *testing.T) {
		res := NewEngine[*runCtx](nil, logr.Discard()).Run(context.Background(), nil, &runCtx{})
		if res.Fault == nil || !errors.Is(res.Fault, ErrInvalidTransition) {
			t.Fatalf("Fault = %v, want ErrInvalidTransition", res.Fault)
		}
	})

	t.Run("panic", func(t *testing.T) {
		j := &journal{}
		panicky := NewState("Panicky", func(context.Context, *runCtx) (Transition[*runCtx], error) {
			panic("nil map")
		})
		res := NewEngine[*runCtx](j, logr.Discard()).Run(context.Background(), panicky, &runCtx{j: j})

		if res.Fault == nil || !errors.Is(res.Fault, ErrStepPanic) {
			t.Fatalf("Fault = %v, want ErrStepPanic", res.Fault)
		}
		if !IsPermanent(res.Fault.Err) {
			t.Error("panic should be permanent")
		}
	})

	t.Run("step timeout", func(t *testing.T) {
		j := &journal{}
		slow := NewState("Slow", func(ctx context.Context, _ *runCtx) (Transition[*runCtx], error) {
			<-ctx.Done()
			return Transition[*runCtx]{}, ctx.Err()
		})
		res := NewEngine[*runCtx](j, logr.Discard()).
			WithStepTimeout(10*time.Millisecond).
			Run(context.Background(), slow, &runCtx{j: j})

		if res.Fault == nil || !errors.Is(res.Fault, ErrStepTimeout) {
			t.Fatalf("Fault = %v, want ErrStepTimeout", res.Fault)
		}
		if ClassifyError(res.Fault.Err) != ErrorRetryable {
			t.Errorf("timeout classification = %v, want retryable", ClassifyError(res.Fault.Err))
		}
	})
}

func TestEngine_Cancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		j := &journal{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := NewEngine[*runCtx](j, logr.Discard()).Run(ctx, linearGraph(), &runCtx{j: j})

		if !res.Outcome.IsCancelled() || res.Fault != nil {
			t.Errorf("result = %+v, want cancelled", res)
		}
		if len(j.log()) != 0 {
			t.Errorf("journal = %v, want empty", j.log())
		}
	})

	t.Run("at transition boundary", func(t *testing.T) {
		j := &journal{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var first, second State[*runCtx]
		second = step("Second", func() Transition[*runCtx] { return Succeed[*runCtx]("") })
		first = NewState("First", func(context.Context, *runCtx) (Transition[*runCtx], error) {
			j.add("step:First")
			cancel()
			return Next(first, second), nil
		})

		res := NewEngine[*runCtx](j, logr.Discard()).Run(ctx, first, &runCtx{j: j})

		if !res.Outcome.IsCancelled() {
			t.Fatalf("Outcome = %+v, want cancelled", res.Outcome)
		}
		want := []string{"persist:First", "step:First"}
		if got := j.log(); !reflect.DeepEqual(got, want) {
			t.Errorf("journal = %v, want %v", got, want)
		}
	})

	t.Run("cancelled outcome is not persisted", func(t *testing.T) {
		j := &journal{}
		if err := NewEngine[*runCtx](j, logr.Discard()).Finish(context.Background(), Cancelled()); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		if len(j.writes) != 0 {
			t.Errorf("writes = %v, want none", j.writes)
		}
	})
}
