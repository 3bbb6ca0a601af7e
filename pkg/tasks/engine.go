package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

// Config bounds the engine
type Config struct {
	// MaxConcurrentRoots limits tasks submitted through Engine.Submit; subtasks are never bounded
	MaxConcurrentRoots int `yaml:"max_concurrent_roots" toml:"max_concurrent_roots" validate:"gte=0"`
	// Retention is how long finished tasks stay visible through Lookup
	Retention time.Duration `yaml:"retention" toml:"retention"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRoots: 64,
		Retention:          10 * time.Minute,
	}
}

// Metrics observes task execution
type Metrics interface {
	TaskSubmitted(name string)
	TaskFinished(name string, state State, cancelled bool, duration time.Duration)
}

// Engine executes tasks
type Engine struct {
	config  Config
	logger  logging.Logger
	metrics Metrics
	roots   *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex sync.Mutex
	tasks map[string]*Task
}

// EngineOption configures an engine
type EngineOption func(*Engine)

// WithMetrics reports task activity
func WithMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates an engine ready to accept tasks
func NewEngine(config Config, logger logging.Logger, opts ...EngineOption) *Engine {
	defaults := DefaultConfig()
	if config.MaxConcurrentRoots <= 0 {
		config.MaxConcurrentRoots = defaults.MaxConcurrentRoots
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config: config,
		logger: logger,
		roots:  semaphore.NewWeighted(int64(config.MaxConcurrentRoots)),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit schedules t as a root task and returns it
func (e *Engine) Submit(t *Task) (*Task, error) {
	if e.ctx.Err() != nil {
		return nil, errors.NewConflictError("task engine is shut down", nil).WithContext("task", t.Name())
	}
	ctx, err := t.prepare(e.ctx, nil)
	if err != nil {
		return nil, err
	}
	e.register(t)
	e.collect()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.roots.Acquire(ctx, 1); err != nil {
			t.finish(nil, errors.NewCancelledError(fmt.Sprintf("task %s cancelled before it started", t.Name()), err), true)
			return
		}
		defer e.roots.Release(1)
		e.execute(ctx, t)
	}()
	return t, nil
}

// SubmitAndGet submits t and waits for its outcome
func (e *Engine) SubmitAndGet(t *Task) (any, error) {
	if _, err := e.Submit(t); err != nil {
		return nil, err
	}
	return t.Get()
}

// Lookup finds a registered task by ID
func (e *Engine) Lookup(id string) (*Task, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Tasks lists registered tasks
func (e *Engine) Tasks() []*Task {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		list = append(list, t)
	}
	return list
}

// TasksForEntity lists registered tasks tagged with entityID
func (e *Engine) TasksForEntity(entityID string) []*Task {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]*Task, 0)
	for _, t := range e.tasks {
		if t.tags.EntityID == entityID {
			list = append(list, t)
		}
	}
	return list
}

// Shutdown cancels every unfinished task and waits for their goroutines
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	for _, t := range e.Tasks() {
		if t.Submitter() == nil {
			t.Cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("task engine shutdown timed out", ctx.Err())
	}
}

func (e *Engine) register(t *Task) {
	e.mutex.Lock()
	e.tasks[t.id] = t
	e.mutex.Unlock()

	if e.metrics != nil {
		e.metrics.TaskSubmitted(t.name)
	}
}

// collect forgets finished tasks older than the retention period
func (e *Engine) collect() {
	cutoff := time.Now().Add(-e.config.Retention)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	for id, t := range e.tasks {
		if _, _, ended := t.Times(); !ended.IsZero() && ended.Before(cutoff) {
			delete(e.tasks, id)
		}
	}
}

// execute runs t on the calling goroutine, then drains its queue
func (e *Engine) execute(ctx context.Context, t *Task) {
	if !t.start() {
		return
	}
	e.logger.Debugf("Running %s", t)

	tc := newContext(e, t, ctx)
	result, err := e.callBody(tc)
	if err != nil {
		tc.abort(err)
	}
	if queueErr := tc.close(); err == nil && queueErr != nil {
		err = errors.NewTaskExecutionError(fmt.Sprintf("subtask of %s failed", t.Name()), queueErr).
			WithContext("task", t.ID())
	}

	cancelled := false
	if err != nil && ctx.Err() != nil && e.isCancellation(err) {
		err = errors.NewCancelledError(fmt.Sprintf("task %s cancelled", t.Name()), err)
		cancelled = true
	}
	t.finish(result, err, cancelled)

	submitted, _, ended := t.Times()
	if e.metrics != nil {
		e.metrics.TaskFinished(t.name, t.State(), t.IsCancelled(), ended.Sub(submitted))
	}
	if err != nil && !cancelled {
		e.logger.Warnf("Task %s failed: %v", t, err)
	} else {
		e.logger.Debugf("Task %s finished, state: %s", t, t.State())
	}
}

func (e *Engine) isCancellation(err error) bool {
	return errors.IsCancelledError(err) || isContextError(err)
}

func (e *Engine) callBody(tc *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("task %s panicked: %v", tc.task.Name(), r), nil)
		}
	}()
	if tc.task.body == nil {
		return nil, nil
	}
	return tc.task.body(tc)
}
