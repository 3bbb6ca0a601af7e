package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// Context is handed to a running body. Subtasks queued through it run one at a
// time in queue order; the first failure skips everything queued after it.
type Context struct {
	engine *Engine
	task   *Task
	ctx    context.Context

	mutex   sync.Mutex
	idle    *sync.Cond
	closed  bool
	running bool
	queue   []*Task
	last    *Task
	current *Task
	failure error
}

func newContext(engine *Engine, task *Task, ctx context.Context) *Context {
	tc := &Context{engine: engine, task: task, ctx: ctx}
	tc.idle = sync.NewCond(&tc.mutex)
	return tc
}

// Context is cancelled when the task is cancelled
func (tc *Context) Context() context.Context {
	return tc.ctx
}

// Task returns the task whose body is running
func (tc *Context) Task() *Task {
	return tc.task
}

// Engine returns the engine executing the task
func (tc *Context) Engine() *Engine {
	return tc.engine
}

// Queue appends sub to the sequential queue of the task owning tc
func Queue(tc *Context, sub *Task) (*Task, error) {
	if tc == nil {
		return nil, errors.NewNoQueueingContextError(
			fmt.Sprintf("cannot queue %s outside a running task", sub.Name()), nil)
	}
	return tc.Queue(sub)
}

// Queue appends sub to this task's sequential queue
func (tc *Context) Queue(sub *Task) (*Task, error) {
	tc.mutex.Lock()
	if tc.closed {
		tc.mutex.Unlock()
		return nil, errors.NewNoQueueingContextError(
			fmt.Sprintf("cannot queue %s: body of %s has finished", sub.Name(), tc.task.Name()), nil)
	}
	if _, err := sub.prepare(tc.ctx, tc.task); err != nil {
		tc.mutex.Unlock()
		return nil, err
	}
	tc.task.addChild(sub)
	tc.engine.register(sub)
	tc.queue = append(tc.queue, sub)
	tc.last = sub
	startRunner := !tc.running
	tc.running = true
	tc.mutex.Unlock()

	if startRunner {
		tc.engine.wg.Add(1)
		go tc.runQueue()
	}
	return sub, nil
}

// Submit runs sub concurrently as a child of this task, outside the sequential queue
func (tc *Context) Submit(sub *Task) (*Task, error) {
	ctx, err := sub.prepare(tc.ctx, tc.task)
	if err != nil {
		return nil, err
	}
	tc.task.addChild(sub)
	tc.engine.register(sub)
	tc.engine.wg.Add(1)
	go func() {
		defer tc.engine.wg.Done()
		tc.engine.execute(ctx, sub)
	}()
	return sub, nil
}

// WaitForLast blocks until the most recently queued subtask is done and
// returns its outcome; nil when nothing was queued
func (tc *Context) WaitForLast() (any, error) {
	tc.mutex.Lock()
	last := tc.last
	tc.mutex.Unlock()

	if last == nil {
		return nil, nil
	}
	return last.GetContext(tc.ctx)
}

func (tc *Context) runQueue() {
	defer tc.engine.wg.Done()

	for {
		tc.mutex.Lock()
		if len(tc.queue) == 0 {
			tc.running = false
			tc.idle.Broadcast()
			tc.mutex.Unlock()
			return
		}
		next := tc.queue[0]
		tc.queue = tc.queue[1:]
		failure := tc.failure
		if failure == nil {
			tc.current = next
		}
		tc.mutex.Unlock()

		if failure != nil || tc.ctx.Err() != nil {
			next.finish(nil, errors.NewCancelledError(
				fmt.Sprintf("task %s skipped: an earlier task in the queue did not complete", next.Name()), failure), true)
			continue
		}

		tc.engine.execute(next.ctxFor(), next)
		_, err := next.Get()
		tc.mutex.Lock()
		tc.current = nil
		if err != nil && tc.failure == nil {
			tc.failure = err
		}
		tc.mutex.Unlock()
	}
}

// abort skips everything still queued and cancels the subtask in progress
func (tc *Context) abort(cause error) {
	tc.mutex.Lock()
	if tc.failure == nil {
		tc.failure = cause
	}
	current := tc.current
	tc.mutex.Unlock()

	if current != nil {
		current.Cancel()
	}
}

// close stops further queueing and waits for the queue to drain
func (tc *Context) close() error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.closed = true
	for tc.running {
		tc.idle.Wait()
	}
	return tc.failure
}
