package enrichers

import (
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// LifecycleComputerTag identifies the lifecycle computer on an entity
const LifecycleComputerTag = "service-lifecycle-computer"

// LifecycleComputer derives service.state.actual from service.state.expected,
// service.up and service.problems
type LifecycleComputer struct {
	base
}

// AttachLifecycleComputer subscribes a lifecycle computer to e and computes the state once
func AttachLifecycleComputer(e *entity.Entity, bus Subscriber) *LifecycleComputer {
	c := &LifecycleComputer{base: base{uniqueTag: LifecycleComputerTag}}
	c.bind(e, bus)
	e.AddAdjunct(c)

	for _, s := range []sensors.Sensor{sensors.ServiceProblems, sensors.ServiceUp, sensors.ServiceStateExpected} {
		bus.Subscribe(c.subscriberID(), e.ID(), s, c.onEvent)
	}
	c.Update()
	return c
}

func (c *LifecycleComputer) onEvent(events.Event) {
	c.Update()
}

// Update recomputes and writes service.state.actual
func (c *LifecycleComputer) Update() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.activeLocked() {
		return
	}

	var problems map[string]any
	problemsPresent := c.entity.HasAttribute(sensors.ServiceProblems)
	if problemsPresent {
		problems, _ = entity.Attribute(c.entity, sensors.ServiceProblems)
	}
	var up *bool
	if value, ok := entity.Attribute(c.entity, sensors.ServiceUp); ok {
		up = &value
	}
	var expected *lifecycle.Transition
	if value, ok := entity.Attribute(c.entity, sensors.ServiceStateExpected); ok {
		expected = &value
	}
	current, hasCurrent := entity.Attribute(c.entity, sensors.ServiceStateActual)
	var currentPtr *lifecycle.Lifecycle
	if hasCurrent {
		currentPtr = &current
	}

	state := ComputeServiceState(expected, up, problems, problemsPresent, currentPtr)
	if state == nil {
		if hasCurrent {
			c.entity.RemoveAttribute(sensors.ServiceStateActual)
		}
		return
	}
	if *state == lifecycle.OnFire && (!hasCurrent || current != lifecycle.OnFire) {
		c.logger.Warnf("Setting %s, up=%v, problems: %v", lifecycle.OnFire, describeUp(up), problems)
	}
	c.entity.SetAttributeIfChanged(sensors.ServiceStateActual, *state)
}

func describeUp(up *bool) any {
	if up == nil {
		return nil
	}
	return *up
}

// ComputeServiceState applies the lifecycle rules. A nil result means the
// actual state should be absent.
//
// Expected RUNNING: RUNNING when up is true and there are no problems, else ON_FIRE.
// Expected anything else: that state.
// No expectation with problems: STOPPED when up is false, else ON_FIRE.
// No expectation, empty problems map: from up (absent, RUNNING or STOPPED).
// No expectation, no problems map: current is kept.
func ComputeServiceState(expected *lifecycle.Transition, up *bool, problems map[string]any, problemsPresent bool,
	current *lifecycle.Lifecycle) *lifecycle.Lifecycle {

	result := func(l lifecycle.Lifecycle) *lifecycle.Lifecycle { return &l }

	if expected != nil && expected.State == lifecycle.Running {
		if up != nil && *up && len(problems) == 0 {
			return result(lifecycle.Running)
		}
		return result(lifecycle.OnFire)
	}
	if expected != nil {
		return result(expected.State)
	}
	if len(problems) > 0 {
		if up != nil && !*up {
			return result(lifecycle.Stopped)
		}
		return result(lifecycle.OnFire)
	}
	if problemsPresent {
		if up == nil {
			return nil
		}
		if *up {
			return result(lifecycle.Running)
		}
		return result(lifecycle.Stopped)
	}
	return current
}
