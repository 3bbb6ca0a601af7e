package enrichers

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/quorum"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// ChildrenAndMembersTag is the default unique tag, also used as the key of the
// indicator entries the aggregator writes
const ChildrenAndMembersTag = "service-lifecycle-indicators-from-children-and-members"

// ChildrenAndMembers writes service.notUp.indicators and service.problems
// entries on its entity from the service.up and service.state.actual of the
// entity's children and, for groups, members
type ChildrenAndMembers struct {
	base
	upQuorum       quorum.Check
	runningQuorum  quorum.Check
	deriveNotUp    bool
	deriveProblems bool
	ignoreNullUp   bool
	ignoreStates   map[lifecycle.Lifecycle]bool
	ignoreAbsent   bool
	fromChildren   bool
	fromMembers    bool
}

// ChildrenAndMembersOption configures the aggregator
type ChildrenAndMembersOption func(*ChildrenAndMembers)

// WithUpQuorum replaces the default AtLeastOneUnlessEmpty check on service.up
func WithUpQuorum(check quorum.Check) ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.upQuorum = check
	}
}

// WithRunningQuorum replaces the default All check on running entities
func WithRunningQuorum(check quorum.Check) ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.runningQuorum = check
	}
}

// WithoutNotUpIndicator stops deriving the not-up indicator
func WithoutNotUpIndicator() ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.deriveNotUp = false
	}
}

// WithoutProblemsIndicator stops deriving the problems indicator
func WithoutProblemsIndicator() ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.deriveProblems = false
	}
}

// CountingNullUp counts entities that have not published service.up
func CountingNullUp() ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.ignoreNullUp = false
	}
}

// WithIgnoredStates replaces the set of actual states that exclude an entity
// from the counts; ignoreAbsent covers entities without an actual state
func WithIgnoredStates(ignoreAbsent bool, states ...lifecycle.Lifecycle) ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.ignoreStates = make(map[lifecycle.Lifecycle]bool, len(states))
		for _, s := range states {
			c.ignoreStates[s] = true
		}
		c.ignoreAbsent = ignoreAbsent
	}
}

// FromChildrenOnly ignores members
func FromChildrenOnly() ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.fromChildren, c.fromMembers = true, false
	}
}

// FromMembersOnly ignores children; only valid on groups
func FromMembersOnly() ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.fromChildren, c.fromMembers = false, true
	}
}

// WithUniqueTag sets the tag and indicator key
func WithUniqueTag(tag string) ChildrenAndMembersOption {
	return func(c *ChildrenAndMembers) {
		c.uniqueTag = tag
	}
}

// DefaultIgnoredStates is every state except RUNNING and ON_FIRE
func DefaultIgnoredStates() []lifecycle.Lifecycle {
	states := make([]lifecycle.Lifecycle, 0)
	for _, s := range lifecycle.Values() {
		if s != lifecycle.Running && s != lifecycle.OnFire {
			states = append(states, s)
		}
	}
	return states
}

// NewChildrenAndMembers builds an unattached aggregator, validating its quorum checks
func NewChildrenAndMembers(opts ...ChildrenAndMembersOption) (*ChildrenAndMembers, error) {
	c := &ChildrenAndMembers{
		base:           base{uniqueTag: ChildrenAndMembersTag},
		upQuorum:       quorum.AtLeastOneUnlessEmpty,
		runningQuorum:  quorum.All,
		deriveNotUp:    true,
		deriveProblems: true,
		ignoreNullUp:   true,
		fromChildren:   true,
		fromMembers:    true,
	}
	WithIgnoredStates(true, DefaultIgnoredStates()...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if err := c.upQuorum.Validate(); err != nil {
		return nil, err
	}
	if err := c.runningQuorum.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// AttachChildrenAndMembers builds the aggregator, subscribes it and computes once
func AttachChildrenAndMembers(e *entity.Entity, bus Subscriber, opts ...ChildrenAndMembersOption) (*ChildrenAndMembers, error) {
	c, err := NewChildrenAndMembers(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Attach(e, bus); err != nil {
		return nil, err
	}
	return c, nil
}

// Attach subscribes the aggregator to e's children and members
func (c *ChildrenAndMembers) Attach(e *entity.Entity, bus Subscriber) error {
	if c.fromMembers && !e.IsGroup() {
		if !c.fromChildren {
			return errors.NewValidationError(fmt.Sprintf("cannot aggregate only members of %s, which is not a group", e), nil)
		}
		c.fromMembers = false
	}

	c.bind(e, bus)
	e.AddAdjunct(c)
	id := c.subscriberID()

	if c.fromChildren {
		bus.SubscribeToChildren(id, e.ID(), sensors.ServiceUp, c.onEvent)
		bus.SubscribeToChildren(id, e.ID(), sensors.ServiceStateActual, c.onEvent)
		bus.Subscribe(id, e.ID(), sensors.ChildAdded, c.onEvent)
		bus.Subscribe(id, e.ID(), sensors.ChildRemoved, c.onEvent)
	}
	if c.fromMembers {
		bus.SubscribeToMembers(id, e.ID(), sensors.ServiceUp, c.onEvent)
		bus.SubscribeToMembers(id, e.ID(), sensors.ServiceStateActual, c.onEvent)
		bus.Subscribe(id, e.ID(), sensors.MemberAdded, c.onEvent)
		bus.Subscribe(id, e.ID(), sensors.MemberRemoved, c.onEvent)
	}
	c.Update()
	return nil
}

func (c *ChildrenAndMembers) onEvent(events.Event) {
	c.Update()
}

type observed struct {
	entity   *entity.Entity
	up       *bool
	state    lifecycle.Lifecycle
	hasState bool
}

func (c *ChildrenAndMembers) sources() []observed {
	list := make([]*entity.Entity, 0)
	seen := make(map[*entity.Entity]bool)
	add := func(entities []*entity.Entity) {
		for _, e := range entities {
			if !seen[e] {
				seen[e] = true
				list = append(list, e)
			}
		}
	}
	if c.fromChildren {
		add(c.entity.Children())
	}
	if c.fromMembers {
		add(c.entity.Members())
	}

	values := make([]observed, 0, len(list))
	for _, e := range list {
		o := observed{entity: e}
		if up, ok := entity.Attribute(e, sensors.ServiceUp); ok {
			o.up = &up
		}
		o.state, o.hasState = entity.Attribute(e, sensors.ServiceStateActual)
		values = append(values, o)
	}
	return values
}

func (c *ChildrenAndMembers) ignored(o observed) bool {
	if !o.hasState {
		return c.ignoreAbsent
	}
	return c.ignoreStates[o.state]
}

// Update recomputes both indicators
func (c *ChildrenAndMembers) Update() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.activeLocked() {
		return
	}

	values := c.sources()
	if c.deriveProblems {
		c.write(sensors.ServiceProblems, c.computeProblems(values))
	}
	if c.deriveNotUp {
		c.write(sensors.ServiceNotUpIndicators, c.computeNotUp(values))
	}
}

func (c *ChildrenAndMembers) write(sensor sensors.MapSensor, message string) {
	if message == "" {
		c.entity.UpdateMapSensorEntry(sensor, c.uniqueTag, sensors.Remove, entity.KeepEmpty)
		return
	}
	c.entity.UpdateMapSensorEntry(sensor, c.uniqueTag, message, entity.KeepEmpty)
}

// computeNotUp returns the not-up description, empty when quorate
func (c *ChildrenAndMembers) computeNotUp(values []observed) string {
	violators := make([]*entity.Entity, 0)
	entries, numUp := 0, 0
	for _, o := range values {
		if c.ignoreNullUp && o.up == nil {
			continue
		}
		entries++
		if o.up != nil && *o.up {
			numUp++
		} else if !c.ignored(o) {
			violators = append(violators, o.entity)
		}
	}

	if c.upQuorum.IsQuorate(numUp, len(violators)+numUp) {
		return ""
	}
	switch {
	case len(values) == 0:
		return "No entities present"
	case entries == 0:
		return "No entities publishing service up"
	case len(violators) == 0:
		return "Not enough entities"
	case len(violators) == 1:
		return fmt.Sprintf("%s is not up", violators[0])
	case len(violators) == entries:
		return "None of the entities are up"
	}
	return fmt.Sprintf("%d entities are not up, including %s", len(violators), violators[0])
}

// computeProblems returns the problems description, empty when quorate
func (c *ChildrenAndMembers) computeProblems(values []observed) string {
	numRunning := 0
	notHealthy := make([]*entity.Entity, 0)
	for _, o := range values {
		if o.hasState && o.state == lifecycle.Running {
			numRunning++
		} else if !c.ignored(o) {
			notHealthy = append(notHealthy, o.entity)
		}
	}

	if c.runningQuorum.IsQuorate(numRunning, len(notHealthy)+numRunning) {
		return ""
	}
	if len(notHealthy) == 0 {
		return "Not enough entities running to be quorate"
	}

	noun := "entity"
	if len(notHealthy) > 1 {
		noun = "entities"
	}
	if len(notHealthy) > 3 {
		return fmt.Sprintf("Required %s not healthy: %s and %d others", noun, notHealthy[0], len(notHealthy)-1)
	}
	names := make([]string, len(notHealthy))
	for i, e := range notHealthy {
		names[i] = e.String()
	}
	return fmt.Sprintf("Required %s not healthy: %s", noun, strings.Join(names, ", "))
}
