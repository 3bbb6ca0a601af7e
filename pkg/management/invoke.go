package management

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/effectors"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
	"github.com/core-tools/hsu-mgmt/pkg/telemetry"
)

// Invoke submits the effector called name on the managed entity entityID.
// The returned task runs asynchronously; its span ends when it finishes.
func (c *Context) Invoke(ctx context.Context, entityID, name string, params map[string]any) (*tasks.Task, error) {
	started := time.Now()
	_, span := c.tracer.StartEffectorSpan(ctx, entityID, name)

	e, ok := c.Lookup(entityID)
	if !ok {
		err := errors.NewNotFoundError(fmt.Sprintf("entity %s is not managed", entityID), nil).
			WithContext("entity", entityID)
		telemetry.EndSpan(span, err)
		c.metrics.EffectorInvoked(name, err, time.Since(started))
		return nil, err
	}

	task, err := effectors.Invoke(c.engine, e, name, params)
	if err != nil {
		telemetry.EndSpan(span, err)
		c.metrics.EffectorInvoked(name, err, time.Since(started))
		return nil, err
	}

	go func() {
		<-task.Done()
		_, taskErr := task.Get()
		telemetry.EndSpan(span, taskErr)
		c.metrics.EffectorInvoked(name, taskErr, time.Since(started))
	}()
	return task, nil
}

// InvokeAndGet invokes the effector and waits for its result or ctx
func (c *Context) InvokeAndGet(ctx context.Context, entityID, name string, params map[string]any) (any, error) {
	task, err := c.Invoke(ctx, entityID, name, params)
	if err != nil {
		return nil, err
	}
	return task.GetContext(ctx)
}

// InvokeTyped invokes the effector and exposes its result as T
func InvokeTyped[T any](ctx context.Context, c *Context, entityID, name string, params map[string]any) (tasks.Typed[T], error) {
	task, err := c.Invoke(ctx, entityID, name, params)
	if err != nil {
		return tasks.Typed[T]{}, err
	}
	return tasks.AsTyped[T](task), nil
}
