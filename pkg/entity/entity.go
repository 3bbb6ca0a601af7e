// Package entity holds the live entity tree: hierarchical config with
// inheritance, observable attributes, parent/child and group membership.
package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// Location is an opaque handle to where an entity runs
type Location interface {
	Name() string
}

// NamedLocation is the simplest Location
type NamedLocation string

func (l NamedLocation) Name() string { return string(l) }

// Effector is the entity's view of an operation registered on it
type Effector interface {
	Name() string
}

// Adjunct is an enricher, policy or feed attached to an entity
type Adjunct interface {
	// UniqueTag identifies the adjunct on its entity; attaching another with the same tag replaces it
	UniqueTag() string
	Stop()
}

// Publisher receives sensor events once the entity is managed
type Publisher interface {
	Publish(event events.Event)
}

// Runtime is what an entity is bound to while managed
type Runtime struct {
	Bus     Publisher
	Storage storage.Storage
	Engine  *tasks.Engine
}

// Entity is a node of the managed topology
type Entity struct {
	id          string
	displayName string
	createdAt   time.Time
	isGroup     bool
	logger      logging.Logger

	mutex           sync.Mutex
	parent          *Entity
	children        []*Entity
	groups          []*Entity
	members         []*Entity
	locations       []Location
	ownConfig       map[string]any
	inheritedConfig map[string]any
	configKeys      map[string]sensors.Key
	attributes      map[string]any
	sensors         map[string]sensors.Sensor
	effectors       map[string]Effector
	adjuncts        []Adjunct
	initializers    []func(e *Entity) error
	initialized     bool
	suppressAll     bool
	suppressed      map[string]bool
	managed         bool
	runtime         Runtime
}

// Option configures a new entity
type Option func(*Entity)

// WithID sets the entity ID; a random one is generated otherwise
func WithID(id string) Option {
	return func(e *Entity) {
		e.id = id
	}
}

// WithDisplayName sets the display name; the ID is used otherwise
func WithDisplayName(name string) Option {
	return func(e *Entity) {
		e.displayName = name
	}
}

// WithLogger sets the parent logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Entity) {
		e.logger = logger
	}
}

// AsGroup marks the entity as a group whose members can be added and removed
func AsGroup() Option {
	return func(e *Entity) {
		e.isGroup = true
	}
}

// WithDuplicateSuppression skips publishing attribute writes that do not change the value
func WithDuplicateSuppression() Option {
	return func(e *Entity) {
		e.suppressAll = true
	}
}

// WithInitializer runs fn once, when the entity is first managed
func WithInitializer(fn func(e *Entity) error) Option {
	return func(e *Entity) {
		e.initializers = append(e.initializers, fn)
	}
}

// New creates an unmanaged entity
func New(opts ...Option) *Entity {
	e := &Entity{
		createdAt:       time.Now(),
		ownConfig:       make(map[string]any),
		inheritedConfig: make(map[string]any),
		configKeys:      make(map[string]sensors.Key),
		attributes:      make(map[string]any),
		sensors:         make(map[string]sensors.Sensor),
		effectors:       make(map[string]Effector),
		suppressed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	if e.displayName == "" {
		e.displayName = e.id
	}
	e.logger = logging.NewChildLogger(e.logger, fmt.Sprintf("entity: %s , ", e.id))
	return e
}

func (e *Entity) ID() string           { return e.id }
func (e *Entity) DisplayName() string  { return e.displayName }
func (e *Entity) CreatedAt() time.Time { return e.createdAt }
func (e *Entity) IsGroup() bool        { return e.isGroup }

// Logger returns the entity's prefixed logger
func (e *Entity) Logger() logging.Logger {
	return e.logger
}

func (e *Entity) String() string {
	if e.displayName != e.id {
		return fmt.Sprintf("%s:%s", e.displayName, e.id)
	}
	return e.id
}

// AddEffector registers eff, replacing any effector with the same name
func (e *Entity) AddEffector(eff Effector) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.effectors[eff.Name()] = eff
}

// Effector looks up a registered effector
func (e *Entity) Effector(name string) (Effector, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	eff, ok := e.effectors[name]
	return eff, ok
}

// Effectors lists the registered effectors sorted by name
func (e *Entity) Effectors() []Effector {
	e.mutex.Lock()
	list := make([]Effector, 0, len(e.effectors))
	for _, eff := range e.effectors {
		list = append(list, eff)
	}
	e.mutex.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// AddAdjunct attaches a, stopping any adjunct it replaces
func (e *Entity) AddAdjunct(a Adjunct) {
	e.mutex.Lock()
	var replaced Adjunct
	for i, existing := range e.adjuncts {
		if existing.UniqueTag() == a.UniqueTag() {
			replaced = existing
			e.adjuncts[i] = a
			break
		}
	}
	if replaced == nil {
		e.adjuncts = append(e.adjuncts, a)
	}
	e.mutex.Unlock()

	if replaced != nil {
		replaced.Stop()
	}
}

// RemoveAdjunct stops and detaches the adjunct with the given tag
func (e *Entity) RemoveAdjunct(uniqueTag string) bool {
	e.mutex.Lock()
	var removed Adjunct
	for i, existing := range e.adjuncts {
		if existing.UniqueTag() == uniqueTag {
			removed = existing
			e.adjuncts = append(e.adjuncts[:i], e.adjuncts[i+1:]...)
			break
		}
	}
	e.mutex.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	return true
}

// Adjuncts lists attached adjuncts in attachment order
func (e *Entity) Adjuncts() []Adjunct {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]Adjunct, len(e.adjuncts))
	copy(list, e.adjuncts)
	return list
}

// AddLocations appends locations
func (e *Entity) AddLocations(locations ...Location) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.locations = append(e.locations, locations...)
}

// Locations lists the entity's locations
func (e *Entity) Locations() []Location {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]Location, len(e.locations))
	copy(list, e.locations)
	return list
}

// IsManaged reports whether the entity is attached to a runtime
func (e *Entity) IsManaged() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.managed
}

// Runtime returns the runtime the entity is attached to
func (e *Entity) Runtime() Runtime {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.runtime
}

// Init runs the registered initializers once
func (e *Entity) Init() error {
	e.mutex.Lock()
	if e.initialized {
		e.mutex.Unlock()
		return nil
	}
	e.initialized = true
	initializers := e.initializers
	e.mutex.Unlock()

	for _, fn := range initializers {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Attach binds the entity to rt, after which attribute changes are published
// and state is written through to storage
func (e *Entity) Attach(rt Runtime) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.runtime = rt
	e.managed = true
	e.persistLocked()
}

// Detach unbinds the entity, stops its adjuncts and drops its stored state
func (e *Entity) Detach() {
	e.mutex.Lock()
	store := e.runtime.Storage
	e.managed = false
	e.runtime = Runtime{}
	adjuncts := e.adjuncts
	e.adjuncts = nil
	e.mutex.Unlock()

	for _, a := range adjuncts {
		a.Stop()
	}
	if store != nil {
		for _, name := range storeNames(e.id) {
			if err := store.Remove(name); err != nil {
				e.logger.Warnf("Failed to remove %s: %v", name, err)
			}
		}
	}
}

func (e *Entity) publish(sensor sensors.Sensor, value any) {
	e.mutex.Lock()
	bus := e.runtime.Bus
	managed := e.managed
	e.mutex.Unlock()

	if !managed || bus == nil {
		return
	}
	bus.Publish(events.Event{Sensor: sensor, Producer: e.id, Value: value, Timestamp: time.Now()})
}
