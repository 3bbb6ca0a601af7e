package effectors

import (
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// Locator resolves entity IDs
type Locator interface {
	Lookup(id string) (*entity.Entity, bool)
}

// Add registers effectors on e, replacing same-named ones
func Add(e *entity.Entity, list ...*Effector) {
	for _, eff := range list {
		e.AddEffector(eff)
	}
}

// Lookup finds the effector called name on e
func Lookup(e *entity.Entity, name string) (*Effector, error) {
	registered, found := e.Effector(name)
	if !found {
		return nil, errors.NewNotFoundError(fmt.Sprintf("entity %s has no effector %s", e, name), nil).
			WithContext("entity", e.ID()).
			WithContext("effector", name)
	}
	eff, ok := registered.(*Effector)
	if !ok {
		return nil, errors.NewInternalError(fmt.Sprintf("effector %s on %s has type %T", name, e, registered), nil)
	}
	return eff, nil
}

// List returns the effectors registered on e, sorted by name
func List(e *entity.Entity) []*Effector {
	list := make([]*Effector, 0)
	for _, registered := range e.Effectors() {
		if eff, ok := registered.(*Effector); ok {
			list = append(list, eff)
		}
	}
	return list
}

// Prepare resolves and binds an invocation into an unsubmitted task
func Prepare(e *entity.Entity, name string, raw map[string]any) (*tasks.Task, error) {
	eff, err := Lookup(e, name)
	if err != nil {
		return nil, err
	}
	params, err := eff.Bind(raw)
	if err != nil {
		return nil, err
	}
	return eff.NewTask(e, params), nil
}

// Invoke prepares the invocation and submits it as a root task
func Invoke(engine *tasks.Engine, e *entity.Entity, name string, raw map[string]any) (*tasks.Task, error) {
	task, err := Prepare(e, name, raw)
	if err != nil {
		return nil, err
	}
	return engine.Submit(task)
}

// InvokeQueued prepares the invocation and queues it as a subtask of tc
func InvokeQueued(tc *tasks.Context, e *entity.Entity, name string, raw map[string]any) (*tasks.Task, error) {
	task, err := Prepare(e, name, raw)
	if err != nil {
		return nil, err
	}
	return tasks.Queue(tc, task)
}

// Delegate declares an effector that forwards its arguments to targetEffector
// on the entity targetID, running the target's task as a subtask
func Delegate(name string, locator Locator, targetID, targetEffector string, opts ...Option) *Effector {
	return New(name, func(tc *tasks.Context, _ *entity.Entity, params Params) (any, error) {
		target, found := locator.Lookup(targetID)
		if !found {
			return nil, errors.NewNotFoundError(fmt.Sprintf("delegate target %s not found", targetID), nil)
		}
		if _, err := InvokeQueued(tc, target, targetEffector, params); err != nil {
			return nil, err
		}
		return tc.WaitForLast()
	}, opts...)
}
