package sync

import (
	"context"
)

// Task is a handle on a requested sync cycle. Callers may ignore it or wait
// on it; requests made while a task is still queued share that task.
type Task struct {
	reason Reason
	done   chan struct{}
	result Result
	err    error
}

func newTask(reason Reason) *Task {
	return &Task{reason: reason, done: make(chan struct{})}
}

// Reason returns the trigger that first requested the task.
func (t *Task) Reason() Reason { return t.reason }

// Done is closed once the cycle has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the cycle finishes or ctx ends. The error is a local
// store failure; network problems are reported in the Result.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{Reason: t.reason}, ctx.Err()
	}
}

func (t *Task) finish(res Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}
