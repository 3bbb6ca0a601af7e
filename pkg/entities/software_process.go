// Package entities provides startable entity types built from effectors,
// enrichers and a driver that does the real work.
package entities

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/effectors"
	"github.com/core-tools/hsu-mgmt/pkg/enrichers"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

const (
	StartEffector   = "start"
	StopEffector    = "stop"
	RestartEffector = "restart"

	// LocationsParameter names the start parameter listing locations
	LocationsParameter = "locations"

	processIndicator = "process"
	startProblem     = "start"
	stopProblem      = "stop"
)

// Driver performs the lifecycle steps of a software process
type Driver interface {
	Install(ctx context.Context, e *entity.Entity) error
	Customize(ctx context.Context, e *entity.Entity) error
	Launch(ctx context.Context, e *entity.Entity) error
	IsRunning(ctx context.Context, e *entity.Entity) (bool, error)
	Stop(ctx context.Context, e *entity.Entity) error
}

// SetExpectedState records the state the entity is meant to be in
func SetExpectedState(e *entity.Entity, state lifecycle.Lifecycle) {
	e.SetAttribute(sensors.ServiceStateExpected, lifecycle.NewTransition(state))
}

// NewSoftwareProcess creates an entity whose start, stop and restart
// effectors drive driver. Once managed it derives service.up from its not-up
// indicators and service.state.actual from its expected state.
func NewSoftwareProcess(driver Driver, bus enrichers.Subscriber, opts ...entity.Option) *entity.Entity {
	init := entity.WithInitializer(func(e *entity.Entity) error {
		enrichers.UpdateNotUpIndicator(e, processIndicator, "Process not started")
		enrichers.AttachServiceUp(e, bus)
		enrichers.AttachLifecycleComputer(e, bus)
		SetExpectedState(e, lifecycle.Created)
		return nil
	})
	e := entity.New(append(opts, init)...)

	locations := effectors.Param[[]string](LocationsParameter, "Locations to start in")
	effectors.Add(e,
		effectors.New(StartEffector, func(tc *tasks.Context, e *entity.Entity, params effectors.Params) (any, error) {
			return nil, startProcess(tc, e, driver, params)
		}, effectors.WithDescription("Installs, customizes and launches the process"), effectors.WithParameters(locations)),
		effectors.New(StopEffector, func(tc *tasks.Context, e *entity.Entity, _ effectors.Params) (any, error) {
			return nil, stopProcess(tc, e, driver)
		}, effectors.WithDescription("Stops the process")),
		effectors.New(RestartEffector, func(tc *tasks.Context, e *entity.Entity, _ effectors.Params) (any, error) {
			if _, err := effectors.InvokeQueued(tc, e, StopEffector, nil); err != nil {
				return nil, err
			}
			names := make([]string, 0)
			for _, l := range e.Locations() {
				names = append(names, l.Name())
			}
			if _, err := effectors.InvokeQueued(tc, e, StartEffector, map[string]any{LocationsParameter: names}); err != nil {
				return nil, err
			}
			return tc.WaitForLast()
		}, effectors.WithDescription("Stops then starts the process")),
	)
	return e
}

func step(name string, e *entity.Entity, fn func(ctx context.Context, e *entity.Entity) error) *tasks.Task {
	return tasks.Func(name, func(ctx context.Context) error {
		return fn(ctx, e)
	})
}

func startProcess(tc *tasks.Context, e *entity.Entity, driver Driver, params effectors.Params) error {
	if names, ok := effectors.Get[[]string](params, LocationsParameter); ok {
		for _, name := range names {
			if !hasLocation(e, name) {
				e.AddLocations(entity.NamedLocation(name))
			}
		}
	}

	SetExpectedState(e, lifecycle.Starting)
	enrichers.ClearProblemsIndicator(e, startProblem)

	for _, sub := range []*tasks.Task{
		step("install", e, driver.Install),
		step("customize", e, driver.Customize),
		step("launch", e, driver.Launch),
	} {
		if _, err := tc.Queue(sub); err != nil {
			return err
		}
	}
	if _, err := tc.WaitForLast(); err != nil {
		return failed(e, startProblem, err)
	}

	running, err := driver.IsRunning(tc.Context(), e)
	if err != nil {
		return failed(e, startProblem, err)
	}
	if !running {
		return failed(e, startProblem, fmt.Errorf("process is not running after launch"))
	}

	enrichers.ClearNotUpIndicator(e, processIndicator)
	SetExpectedState(e, lifecycle.Running)
	return nil
}

func stopProcess(tc *tasks.Context, e *entity.Entity, driver Driver) error {
	SetExpectedState(e, lifecycle.Stopping)
	enrichers.ClearProblemsIndicator(e, stopProblem)

	if _, err := tc.Queue(step("stop", e, driver.Stop)); err != nil {
		return err
	}
	if _, err := tc.WaitForLast(); err != nil {
		return failed(e, stopProblem, err)
	}

	enrichers.UpdateNotUpIndicator(e, processIndicator, "Process stopped")
	SetExpectedState(e, lifecycle.Stopped)
	return nil
}

// failed records err as a problem and marks the entity on fire
func failed(e *entity.Entity, problem string, err error) error {
	enrichers.UpdateProblemsIndicator(e, problem, err.Error())
	SetExpectedState(e, lifecycle.OnFire)
	return err
}

func hasLocation(e *entity.Entity, name string) bool {
	for _, l := range e.Locations() {
		if l.Name() == name {
			return true
		}
	}
	return false
}
