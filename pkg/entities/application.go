package entities

import (
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/effectors"
	"github.com/core-tools/hsu-mgmt/pkg/enrichers"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// NewApplication creates a root entity that starts and stops its children in
// parallel. Its health is the children aggregate under the given options.
func NewApplication(bus enrichers.Subscriber, aggregation []enrichers.ChildrenAndMembersOption, opts ...entity.Option) *entity.Entity {
	init := entity.WithInitializer(func(e *entity.Entity) error {
		options := append([]enrichers.ChildrenAndMembersOption{enrichers.FromChildrenOnly()}, aggregation...)
		if _, err := enrichers.AttachChildrenAndMembers(e, bus, options...); err != nil {
			return err
		}
		enrichers.AttachServiceUp(e, bus)
		enrichers.AttachLifecycleComputer(e, bus)
		SetExpectedState(e, lifecycle.Created)
		return nil
	})
	e := entity.New(append(opts, init)...)

	effectors.Add(e,
		effectors.New(StartEffector, func(tc *tasks.Context, e *entity.Entity, params effectors.Params) (any, error) {
			return nil, startApplication(tc, e, params)
		}, effectors.WithDescription("Starts every startable child in parallel"),
			effectors.WithParameters(effectors.Param[[]string](LocationsParameter, "Locations passed to the children"))),
		effectors.New(StopEffector, func(tc *tasks.Context, e *entity.Entity, _ effectors.Params) (any, error) {
			return nil, stopApplication(tc, e)
		}, effectors.WithDescription("Stops every startable child")),
		effectors.New(RestartEffector, func(tc *tasks.Context, e *entity.Entity, _ effectors.Params) (any, error) {
			if _, err := effectors.InvokeQueued(tc, e, StopEffector, nil); err != nil {
				return nil, err
			}
			if _, err := effectors.InvokeQueued(tc, e, StartEffector, nil); err != nil {
				return nil, err
			}
			return tc.WaitForLast()
		}, effectors.WithDescription("Stops then starts the application")),
	)
	return e
}

func startable(e *entity.Entity, effector string) []*entity.Entity {
	list := make([]*entity.Entity, 0)
	for _, child := range e.Children() {
		if _, ok := child.Effector(effector); ok {
			list = append(list, child)
		}
	}
	return list
}

func startApplication(tc *tasks.Context, e *entity.Entity, params effectors.Params) error {
	SetExpectedState(e, lifecycle.Starting)
	enrichers.ClearProblemsIndicator(e, startProblem)

	raw := map[string]any{}
	if names, ok := effectors.Get[[]string](params, LocationsParameter); ok {
		raw[LocationsParameter] = names
	}
	subs := make([]*tasks.Task, 0)
	for _, child := range startable(e, StartEffector) {
		task, err := effectors.Prepare(child, StartEffector, raw)
		if err != nil {
			return failed(e, startProblem, err)
		}
		subs = append(subs, task)
	}

	if _, err := tc.Queue(tasks.Parallel("start children", subs...)); err != nil {
		return err
	}
	if _, err := tc.WaitForLast(); err != nil {
		return failed(e, startProblem, err)
	}
	SetExpectedState(e, lifecycle.Running)
	return nil
}

// stopApplication stops every child even when some fail, then reports all failures
func stopApplication(tc *tasks.Context, e *entity.Entity) error {
	SetExpectedState(e, lifecycle.Stopping)
	enrichers.ClearProblemsIndicator(e, stopProblem)

	children := startable(e, StopEffector)
	submitted := make([]*tasks.Task, 0, len(children))
	for _, child := range children {
		task, err := effectors.Prepare(child, StopEffector, nil)
		if err != nil {
			return failed(e, stopProblem, err)
		}
		if _, err := tc.Submit(task); err != nil {
			return err
		}
		submitted = append(submitted, task)
	}

	collection := errors.NewErrorCollection()
	for i, task := range submitted {
		if _, err := task.GetContext(tc.Context()); err != nil {
			collection.Add(fmt.Errorf("%s: %w", children[i], err))
		}
	}
	if err := collection.ToError(); err != nil {
		return failed(e, stopProblem, err)
	}
	SetExpectedState(e, lifecycle.Stopped)
	return nil
}
