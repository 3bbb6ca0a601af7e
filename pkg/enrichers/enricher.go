// Package enrichers derives lifecycle and health attributes of an entity from
// its own sensors and from those of its children and group members.
package enrichers

import (
	"sync"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// Subscriber is the part of the event bus enrichers depend on
type Subscriber interface {
	Subscribe(subscriber, producer string, sensor sensors.Sensor, handler events.Handler) events.Handle
	SubscribeToChildren(subscriber, parent string, sensor sensors.Sensor, handler events.Handler) events.Handle
	SubscribeToMembers(subscriber, group string, sensor sensors.Sensor, handler events.Handler) events.Handle
	UnsubscribeAll(subscriber string) int
}

// base holds what every enricher shares: its entity, its subscriptions and
// the mutex that serialises recomputation
type base struct {
	uniqueTag string
	entity    *entity.Entity
	bus       Subscriber
	logger    logging.Logger

	mutex   sync.Mutex
	stopped bool
}

func (b *base) UniqueTag() string {
	return b.uniqueTag
}

func (b *base) subscriberID() string {
	return b.entity.ID() + "/" + b.uniqueTag
}

func (b *base) bind(e *entity.Entity, bus Subscriber) {
	b.entity = e
	b.bus = bus
	b.logger = logging.NewChildLogger(e.Logger(), "enricher: "+b.uniqueTag+" , ")
}

// Stop removes every subscription of the enricher
func (b *base) Stop() {
	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		return
	}
	b.stopped = true
	b.mutex.Unlock()

	if b.bus != nil {
		b.bus.UnsubscribeAll(b.subscriberID())
	}
}

// active reports whether updates should be computed; caller holds the mutex
func (b *base) activeLocked() bool {
	return !b.stopped && b.entity != nil && b.entity.IsManaged()
}
