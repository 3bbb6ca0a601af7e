// Package events routes sensor change events from producing entities to
// subscribers, resolving parent and group relationships at publish time.
package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// Event is a single sensor value change on a producer
type Event struct {
	Sensor    sensors.Sensor
	Producer  string
	Value     any
	Timestamp time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("Event[%s:%s=%v]", e.Producer, e.Sensor.Name(), e.Value)
}

// Handler receives events synchronously on the publishing goroutine
type Handler func(event Event)

// Topology answers relationship questions about producers when an event is routed
type Topology interface {
	ParentOf(id string) (string, bool)
	GroupsOf(id string) []string
}

// Metrics observes bus activity
type Metrics interface {
	EventPublished(sensor string)
	HandlerFailed(sensor string)
}

type scope int

const (
	scopeProducer scope = iota
	scopeChildren
	scopeMembers
	scopeAll
)

// Handle identifies a subscription
type Handle struct {
	id uint64
}

// IsZero reports whether h refers to no subscription
func (h Handle) IsZero() bool {
	return h.id == 0
}

type subscription struct {
	id         uint64
	subscriber string
	scope      scope
	target     string
	sensor     string // empty matches any sensor
	handler    Handler
}

func (s *subscription) matches(event Event, parent string, hasParent bool, groups []string) bool {
	if s.sensor != "" && s.sensor != event.Sensor.Name() {
		return false
	}
	switch s.scope {
	case scopeProducer:
		return s.target == event.Producer
	case scopeChildren:
		return hasParent && s.target == parent
	case scopeMembers:
		for _, g := range groups {
			if g == s.target {
				return true
			}
		}
		return false
	case scopeAll:
		return true
	}
	return false
}

type producerQueue struct {
	delivering bool
	pending    []Event
}

// Bus delivers events in publication order per producer. A publish issued while
// the producer's events are already being delivered is queued and drained by
// the active delivery loop, so re-entrant publishes never reorder events.
type Bus struct {
	logger   logging.Logger
	metrics  Metrics
	mutex    sync.Mutex
	topology Topology
	nextID   uint64
	subs     map[uint64]*subscription
	queues   map[string]*producerQueue
}

// Option configures a Bus
type Option func(*Bus)

// WithMetrics reports published events and failed handlers
func WithMetrics(metrics Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// NewBus creates a bus; topology may be nil until SetTopology is called
func NewBus(topology Topology, logger logging.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	b := &Bus{
		logger:   logger,
		topology: topology,
		subs:     make(map[uint64]*subscription),
		queues:   make(map[string]*producerQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetTopology replaces the relationship resolver
func (b *Bus) SetTopology(topology Topology) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.topology = topology
}

func sensorName(sensor sensors.Sensor) string {
	if sensor == nil {
		return ""
	}
	return sensor.Name()
}

func (b *Bus) add(subscriber string, sc scope, target string, sensor sensors.Sensor, handler Handler) Handle {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	sub := &subscription{
		id:         b.nextID,
		subscriber: subscriber,
		scope:      sc,
		target:     target,
		sensor:     sensorName(sensor),
		handler:    handler,
	}
	b.subs[sub.id] = sub
	return Handle{id: sub.id}
}

// Subscribe delivers sensor events of producer to handler; a nil sensor matches every sensor
func (b *Bus) Subscribe(subscriber, producer string, sensor sensors.Sensor, handler Handler) Handle {
	return b.add(subscriber, scopeProducer, producer, sensor, handler)
}

// SubscribeToChildren delivers sensor events of whichever entities are children of parent when published
func (b *Bus) SubscribeToChildren(subscriber, parent string, sensor sensors.Sensor, handler Handler) Handle {
	return b.add(subscriber, scopeChildren, parent, sensor, handler)
}

// SubscribeToMembers delivers sensor events of whichever entities are members of group when published
func (b *Bus) SubscribeToMembers(subscriber, group string, sensor sensors.Sensor, handler Handler) Handle {
	return b.add(subscriber, scopeMembers, group, sensor, handler)
}

// SubscribeAll delivers sensor events of every producer
func (b *Bus) SubscribeAll(subscriber string, sensor sensors.Sensor, handler Handler) Handle {
	return b.add(subscriber, scopeAll, "", sensor, handler)
}

// Unsubscribe removes one subscription; it reports whether it existed
func (b *Bus) Unsubscribe(handle Handle) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, exists := b.subs[handle.id]; !exists {
		return false
	}
	delete(b.subs, handle.id)
	return true
}

// UnsubscribeAll removes every subscription owned by subscriber and returns how many were removed
func (b *Bus) UnsubscribeAll(subscriber string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	removed := 0
	for id, sub := range b.subs {
		if sub.subscriber == subscriber {
			delete(b.subs, id)
			removed++
		}
	}
	return removed
}

// SubscriptionCount returns the number of active subscriptions
func (b *Bus) SubscriptionCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.subs)
}

// Publish delivers event to every matching subscriber before returning, unless
// the producer's events are already being delivered further up the stack or on
// another goroutine, in which case the event is queued behind them.
func (b *Bus) Publish(event Event) {
	if event.Sensor == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.Lock()
	queue, exists := b.queues[event.Producer]
	if !exists {
		queue = &producerQueue{}
		b.queues[event.Producer] = queue
	}
	queue.pending = append(queue.pending, event)
	if queue.delivering {
		b.mutex.Unlock()
		return
	}
	queue.delivering = true
	b.mutex.Unlock()

	for {
		b.mutex.Lock()
		if len(queue.pending) == 0 {
			queue.delivering = false
			delete(b.queues, event.Producer)
			b.mutex.Unlock()
			return
		}
		next := queue.pending[0]
		queue.pending = queue.pending[1:]
		targets := b.match(next)
		b.mutex.Unlock()

		b.deliver(next, targets)
	}
}

// match resolves subscriptions for event; caller holds the mutex
func (b *Bus) match(event Event) []*subscription {
	var parent string
	var hasParent bool
	var groups []string
	if b.topology != nil {
		parent, hasParent = b.topology.ParentOf(event.Producer)
		groups = b.topology.GroupsOf(event.Producer)
	}

	targets := make([]*subscription, 0)
	for _, sub := range b.subs {
		if sub.matches(event, parent, hasParent, groups) {
			targets = append(targets, sub)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	return targets
}

func (b *Bus) active(sub *subscription) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, exists := b.subs[sub.id]
	return exists
}

func (b *Bus) deliver(event Event, targets []*subscription) {
	if b.metrics != nil {
		b.metrics.EventPublished(event.Sensor.Name())
	}
	for _, sub := range targets {
		// Handlers may unsubscribe others mid-delivery
		if !b.active(sub) {
			continue
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Handler of %s failed on %s: %v", sub.subscriber, event, r)
			if b.metrics != nil {
				b.metrics.HandlerFailed(event.Sensor.Name())
			}
		}
	}()
	sub.handler(event)
}
