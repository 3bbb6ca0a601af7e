// Package tasks runs entity operations as composable, cancellable, nested
// asynchronous tasks.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// State of a task
type State string

const (
	StateUnsubmitted State = "unsubmitted"
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateSucceeded   State = "done-success"
	StateFailed      State = "done-error"
)

// IsDone reports whether the state is terminal
func (s State) IsDone() bool {
	return s == StateSucceeded || s == StateFailed
}

// Body is the work of a task. It receives the queueing context of its task.
type Body func(tc *Context) (any, error)

// Tags describe what a task does on behalf of which entity
type Tags struct {
	EntityID string
	Effector string
	Params   map[string]any
	Labels   []string
}

// IsEffectorCall reports whether the tags carry an effector invocation
func (t Tags) IsEffectorCall() bool {
	return t.Effector != ""
}

// Task is a unit of work with a result, an error and dynamic children
type Task struct {
	id          string
	name        string
	description string
	body        Body
	tags        Tags

	mutex       sync.Mutex
	state       State
	result      any
	err         error
	cancelled   bool
	children    []*Task
	submitter   *Task
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	submittedAt time.Time
	startedAt   time.Time
	endedAt     time.Time
}

// Option configures a task
type Option func(*Task)

// WithTags attaches tags to the task
func WithTags(tags Tags) Option {
	return func(t *Task) {
		t.tags = tags
	}
}

// WithDescription sets a human-readable description
func WithDescription(description string) Option {
	return func(t *Task) {
		t.description = description
	}
}

// New creates an unsubmitted task
func New(name string, body Body, opts ...Option) *Task {
	t := &Task{
		id:    uuid.NewString(),
		name:  name,
		body:  body,
		state: StateUnsubmitted,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) ID() string          { return t.id }
func (t *Task) Name() string        { return t.name }
func (t *Task) Description() string { return t.description }
func (t *Task) Tags() Tags          { return t.tags }

func (t *Task) String() string {
	return fmt.Sprintf("Task[%s:%s]", t.name, t.id[:8])
}

func (t *Task) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) IsDone() bool {
	return t.State().IsDone()
}

// IsCancelled reports whether the task ended because it was cancelled
func (t *Task) IsCancelled() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.cancelled
}

// Children returns the subtasks queued or submitted by this task, in order
func (t *Task) Children() []*Task {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	children := make([]*Task, len(t.children))
	copy(children, t.children)
	return children
}

// Submitter returns the task that queued or submitted this one, if any
func (t *Task) Submitter() *Task {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.submitter
}

// Times returns submission, start and end times; zero when not reached yet
func (t *Task) Times() (submitted, started, ended time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.submittedAt, t.startedAt, t.endedAt
}

// Err returns the raw failure cause once done
func (t *Task) Err() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.err
}

// Get blocks until the task is done and returns its result. Failures are
// wrapped in a task_execution error; cancellation yields a cancelled error.
func (t *Task) Get() (any, error) {
	<-t.done
	return t.outcome()
}

// GetOrTimeout is Get bounded by timeout; the task keeps running on timeout
func (t *Task) GetOrTimeout(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.outcome()
	case <-timer.C:
		return nil, errors.NewTimeoutError(fmt.Sprintf("task %s not done after %v", t.name, timeout), nil).
			WithContext("task", t.id)
	}
}

// GetContext is Get bounded by ctx
func (t *Task) GetContext(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.outcome()
	case <-ctx.Done():
		return nil, errors.NewCancelledError(fmt.Sprintf("stopped waiting for task %s", t.name), ctx.Err())
	}
}

func (t *Task) outcome() (any, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.err == nil {
		return t.result, nil
	}
	if t.cancelled || errors.IsTaskExecutionError(t.err) {
		return nil, t.err
	}
	return nil, errors.NewTaskExecutionError(fmt.Sprintf("task %s failed", t.name), t.err).
		WithContext("task", t.id)
}

// Cancel stops the task and every unfinished child. A task not yet done is
// marked done-error at once; a running body observes cancellation through
// its context. Returns false when the task had already finished.
func (t *Task) Cancel() bool {
	for _, child := range t.Children() {
		child.Cancel()
	}

	t.mutex.Lock()
	if t.state.IsDone() {
		t.mutex.Unlock()
		return false
	}
	cancel := t.cancel
	t.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	return t.finish(nil, errors.NewCancelledError(fmt.Sprintf("task %s cancelled", t.name), nil), true)
}

// prepare moves an unsubmitted task to queued under ctx
func (t *Task) prepare(parent context.Context, submitter *Task) (context.Context, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state != StateUnsubmitted {
		return nil, errors.NewConflictError(fmt.Sprintf("task %s already submitted", t.name), nil).
			WithContext("state", t.state)
	}
	ctx, cancel := context.WithCancel(parent)
	t.ctx = ctx
	t.cancel = cancel
	t.submitter = submitter
	t.state = StateQueued
	t.submittedAt = time.Now()
	return ctx, nil
}

func (t *Task) ctxFor() context.Context {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.ctx
}

func (t *Task) addChild(child *Task) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.children = append(t.children, child)
}

// start moves a queued task to running; false when it was cancelled meanwhile
func (t *Task) start() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state != StateQueued {
		return false
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	return true
}

// finish records the outcome once; later calls are ignored
func (t *Task) finish(result any, err error, cancelled bool) bool {
	t.mutex.Lock()
	if t.state.IsDone() {
		t.mutex.Unlock()
		return false
	}
	if err != nil {
		t.state = StateFailed
	} else {
		t.state = StateSucceeded
		t.result = result
	}
	t.err = err
	t.cancelled = cancelled
	t.endedAt = time.Now()
	cancel := t.cancel
	t.mutex.Unlock()

	close(t.done)
	if cancel != nil {
		cancel()
	}
	return true
}

// EffectorCall returns the nearest task, starting at t and walking up the
// submitter chain, whose tags describe an effector invocation
func EffectorCall(t *Task) (*Task, bool) {
	for current := t; current != nil; current = current.Submitter() {
		if current.tags.IsEffectorCall() {
			return current, true
		}
	}
	return nil, false
}
