// Package group keeps the members of a group entity in line with a filter
// evaluated over every managed entity.
package group

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// DynamicGroupTag identifies the membership tracker on a group entity
const DynamicGroupTag = "dynamic.group.membership"

// Universe is the set of entities a dynamic group selects from
type Universe interface {
	Entities() []*entity.Entity
	Lookup(id string) (*entity.Entity, bool)
}

// Subscriber is the part of the event bus a dynamic group depends on
type Subscriber interface {
	SubscribeAll(subscriber string, sensor sensors.Sensor, handler events.Handler) events.Handle
	UnsubscribeAll(subscriber string) int
}

// DynamicGroup adds matching entities as members of its group and removes
// those that stop matching
type DynamicGroup struct {
	group    *entity.Entity
	universe Universe
	bus      Subscriber
	logger   logging.Logger

	// mutex serialises membership decisions; member events are published
	// while it is held, so handlers must not re-enter this group synchronously
	mutex   sync.Mutex
	filter  Filter
	stopped bool
	rescans atomic.Int64
}

// Attach installs a dynamic group on the group entity g and performs the
// initial scan
func Attach(g *entity.Entity, filter Filter, universe Universe, bus Subscriber) (*DynamicGroup, error) {
	if !g.IsGroup() {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is not a group", g), nil)
	}
	if filter == nil {
		return nil, errors.NewValidationError("dynamic group needs a filter", nil)
	}
	d := &DynamicGroup{
		group:    g,
		universe: universe,
		bus:      bus,
		logger:   logging.NewChildLogger(g.Logger(), "dynamic group , "),
		filter:   filter,
	}
	g.AddAdjunct(d)
	d.subscribe()
	d.Rescan()
	return d, nil
}

func (d *DynamicGroup) UniqueTag() string {
	return DynamicGroupTag
}

func (d *DynamicGroup) subscriberID() string {
	return d.group.ID() + "/" + DynamicGroupTag
}

// Group returns the group entity
func (d *DynamicGroup) Group() *entity.Entity {
	return d.group
}

// Filter returns the current filter
func (d *DynamicGroup) Filter() Filter {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.filter
}

// Rescans counts full scans since attach
func (d *DynamicGroup) Rescans() int64 {
	return d.rescans.Load()
}

func (d *DynamicGroup) subscribe() {
	d.mutex.Lock()
	deps := d.filter.Sensors()
	d.mutex.Unlock()

	if deps == nil {
		d.bus.SubscribeAll(d.subscriberID(), nil, d.onEvent)
		return
	}
	for _, sensor := range deps {
		d.bus.SubscribeAll(d.subscriberID(), sensor, d.onEvent)
	}
}

func (d *DynamicGroup) onEvent(event events.Event) {
	if event.Producer == d.group.ID() {
		return
	}
	target, exists := d.universe.Lookup(event.Producer)
	if !exists {
		return
	}
	d.evaluate(target)
}

// SetFilter replaces the filter, resubscribes to its sensors and rescans
func (d *DynamicGroup) SetFilter(filter Filter) error {
	if filter == nil {
		return errors.NewValidationError("dynamic group needs a filter", nil)
	}
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		return errors.NewConflictError("dynamic group is stopped", nil)
	}
	d.filter = filter
	d.mutex.Unlock()

	d.bus.UnsubscribeAll(d.subscriberID())
	d.subscribe()
	d.Rescan()
	return nil
}

// EntityManaged evaluates an entity that just came under management
func (d *DynamicGroup) EntityManaged(e *entity.Entity) {
	if e == d.group {
		return
	}
	d.evaluate(e)
}

// EntityUnmanaged drops an entity that left management
func (d *DynamicGroup) EntityUnmanaged(e *entity.Entity) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}
	if d.group.RemoveMember(e) {
		d.logger.Debugf("Removed unmanaged member %s", e)
	}
}

// Rescan evaluates every entity of the universe and drops members no longer in it
func (d *DynamicGroup) Rescan() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}
	d.rescans.Add(1)

	seen := make(map[string]bool)
	for _, e := range d.universe.Entities() {
		if e == d.group {
			continue
		}
		seen[e.ID()] = true
		d.applyLocked(e)
	}
	for _, member := range d.group.Members() {
		if !seen[member.ID()] {
			d.group.RemoveMember(member)
		}
	}
}

func (d *DynamicGroup) evaluate(e *entity.Entity) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}
	d.applyLocked(e)
}

func (d *DynamicGroup) applyLocked(e *entity.Entity) {
	matches := d.filter.Matches(e)
	switch {
	case matches && !d.group.HasMember(e):
		if _, err := d.group.AddMember(e); err != nil {
			d.logger.Errorf("Failed to add member %s: %v", e, err)
			return
		}
		d.logger.Debugf("Added member %s", e)
	case !matches && d.group.HasMember(e):
		d.group.RemoveMember(e)
		d.logger.Debugf("Removed member %s", e)
	}
}

// Stop unsubscribes; current members are kept
func (d *DynamicGroup) Stop() {
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		return
	}
	d.stopped = true
	d.mutex.Unlock()
	d.bus.UnsubscribeAll(d.subscriberID())
}
