package tasks

import (
	"context"
	stderrors "errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Func adapts a function that only needs a context.Context
func Func(name string, fn func(ctx context.Context) error, opts ...Option) *Task {
	return New(name, func(tc *Context) (any, error) {
		return nil, fn(tc.Context())
	}, opts...)
}

// Sequential returns a task that queues subs in order; the first failure skips the rest
func Sequential(name string, subs ...*Task) *Task {
	return New(name, func(tc *Context) (any, error) {
		for _, sub := range subs {
			if _, err := tc.Queue(sub); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// Parallel returns a task running subs concurrently; the first failure cancels
// the others. The result is the list of sub results in argument order.
func Parallel(name string, subs ...*Task) *Task {
	return New(name, func(tc *Context) (any, error) {
		group, groupCtx := errgroup.WithContext(tc.Context())
		results := make([]any, len(subs))
		for i, sub := range subs {
			i, sub := i, sub
			ctx, err := sub.prepare(groupCtx, tc.Task())
			if err != nil {
				_ = group.Wait()
				return nil, err
			}
			tc.Task().addChild(sub)
			tc.Engine().register(sub)

			group.Go(func() error {
				tc.Engine().execute(ctx, sub)
				result, err := sub.Get()
				results[i] = result
				return err
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	})
}

// Typed wraps a task whose result has a known type
type Typed[T any] struct {
	*Task
}

// NewTyped creates a task whose body returns T
func NewTyped[T any](name string, body func(tc *Context) (T, error), opts ...Option) Typed[T] {
	return Typed[T]{Task: New(name, func(tc *Context) (any, error) {
		return body(tc)
	}, opts...)}
}

// AsTyped views an existing task as returning T
func AsTyped[T any](t *Task) Typed[T] {
	return Typed[T]{Task: t}
}

// Get waits for the task and coerces its result to T
func (t Typed[T]) Get() (T, error) {
	result, err := t.Task.Get()
	return typedResult[T](t.Task, result, err)
}

// GetContext is Get bounded by ctx
func (t Typed[T]) GetContext(ctx context.Context) (T, error) {
	result, err := t.Task.GetContext(ctx)
	return typedResult[T](t.Task, result, err)
}

func typedResult[T any](t *Task, result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, coerceErr := sensors.Coerce[T](result)
	if coerceErr != nil {
		return zero, errors.NewTaskExecutionError(fmt.Sprintf("task %s returned %T", t.Name(), result), coerceErr)
	}
	return typed, nil
}
