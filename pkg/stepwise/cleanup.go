package stepwise

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// CleanupTask is one ordered operation of a cleanup graph.
type CleanupTask[S any] struct {
	// Name identifies the task in logs and errors.
	Name string

	// Order determines the execution order. Lower numbers run first; tasks
	// with the same order run in the order they were added.
	Order int

	// Run executes the task. It must be idempotent: when a later task
	// faults, the whole plan runs again on retry.
	Run func(ctx context.Context, s S) error
}

// CleanupPlan is an ordered set of cleanup tasks that can be turned into the
// single state an Operator returns from CleanupState.
//
//	plan := stepwise.NewCleanupPlan[*GuestbookContext]().
//	    Add("delete-deployment", 10, deleteDeployment).
//	    Add("wait-for-pods", 20, waitForPods)
//	cleanup := plan.State("Cleanup")
type CleanupPlan[S any] struct {
	tasks []CleanupTask[S]
	log   func(S) logr.Logger
}

// NewCleanupPlan creates an empty cleanup plan.
func NewCleanupPlan[S any]() *CleanupPlan[S] {
	return &CleanupPlan[S]{}
}

// AddTask adds a task to the plan.
func (p *CleanupPlan[S]) AddTask(task CleanupTask[S]) *CleanupPlan[S] {
	p.tasks = append(p.tasks, task)
	return p
}

// Add is a convenience method to add a task with just a name and function.
func (p *CleanupPlan[S]) Add(name string, order int, run func(ctx context.Context, s S) error) *CleanupPlan[S] {
	return p.AddTask(CleanupTask[S]{Name: name, Order: order, Run: run})
}

// WithLogger sets how the plan finds a logger in the object context.
func (p *CleanupPlan[S]) WithLogger(fn func(S) logr.Logger) *CleanupPlan[S] {
	p.log = fn
	return p
}

// TaskCount returns the number of tasks in the plan.
func (p *CleanupPlan[S]) TaskCount() int {
	return len(p.tasks)
}

// Execute runs all tasks in order and returns the first error.
func (p *CleanupPlan[S]) Execute(ctx context.Context, s S) error {
	log := logr.Discard()
	if p.log != nil {
		log = p.log(s)
	}
	for _, task := range p.sortedTasks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.V(1).Info("executing cleanup task", "task", task.Name)
		if err := task.Run(ctx, s); err != nil {
			return fmt.Errorf("cleanup task %s: %w", task.Name, err)
		}
	}
	return nil
}

// State returns a state that executes the plan and completes the graph
// successfully. A failing task surfaces as a fault of this state, classified
// by the error the task returned.
func (p *CleanupPlan[S]) State(name string) State[S] {
	return NewState(name, func(ctx context.Context, s S) (Transition[S], error) {
		if err := p.Execute(ctx, s); err != nil {
			return Transition[S]{}, err
		}
		return Succeed[S]("cleanup complete"), nil
	})
}

func (p *CleanupPlan[S]) sortedTasks() []CleanupTask[S] {
	tasks := make([]CleanupTask[S], len(p.tasks))
	copy(tasks, p.tasks)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Order < tasks[j].Order
	})
	return tasks
}

// DeleteResource creates a cleanup task that deletes the object identified
// by ref. An object that is already gone counts as deleted.
func DeleteResource[S any](name string, order int, c client.Client, ref client.ObjectKey, objType client.Object) CleanupTask[S] {
	return CleanupTask[S]{
		Name:  name,
		Order: order,
		Run: func(ctx context.Context, _ S) error {
			obj := objType.DeepCopyObject().(client.Object)
			obj.SetName(ref.Name)
			obj.SetNamespace(ref.Namespace)
			return client.IgnoreNotFound(c.Delete(ctx, obj))
		},
	}
}

// WaitForDeletion creates a cleanup task that fails with a retryable error
// while the object identified by ref still exists.
func WaitForDeletion[S any](name string, order int, c client.Client, ref client.ObjectKey, objType client.Object) CleanupTask[S] {
	return CleanupTask[S]{
		Name:  name,
		Order: order,
		Run: func(ctx context.Context, _ S) error {
			obj := objType.DeepCopyObject().(client.Object)
			if err := c.Get(ctx, ref, obj); err != nil {
				return client.IgnoreNotFound(err)
			}
			return Retryable(fmt.Errorf("waiting for %s/%s to be deleted", ref.Namespace, ref.Name))
		},
	}
}
