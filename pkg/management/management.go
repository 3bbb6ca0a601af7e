// Package management owns the entities under management and the runtime they
// share: storage, the event bus and the task engine.
package management

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/group"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
	"github.com/core-tools/hsu-mgmt/pkg/telemetry"
)

// Options configures a management context; zero fields get defaults
type Options struct {
	Storage storage.Storage
	Tasks   tasks.Config
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  logging.Logger
}

// Context is the management plane of one node
type Context struct {
	logger  logging.Logger
	storage storage.Storage
	bus     *events.Bus
	engine  *tasks.Engine
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mutex    sync.RWMutex
	entities map[string]*entity.Entity
	order    []string
	groups   []*group.DynamicGroup
}

// New wires the runtime described by opts
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemoryStorage()
	}
	if opts.Tasks == (tasks.Config{}) {
		opts.Tasks = tasks.DefaultConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = telemetry.NewTracer(context.Background(), telemetry.TracingConfig{}, "")
	}

	c := &Context{
		logger:   opts.Logger,
		storage:  opts.Storage,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		entities: make(map[string]*entity.Entity),
	}
	c.bus = events.NewBus(c, logging.NewChildLogger(opts.Logger, "events: "), events.WithMetrics(opts.Metrics))
	c.engine = tasks.NewEngine(opts.Tasks, logging.NewChildLogger(opts.Logger, "tasks: "), tasks.WithMetrics(opts.Metrics))
	return c
}

func (c *Context) Bus() *events.Bus             { return c.bus }
func (c *Context) Engine() *tasks.Engine        { return c.engine }
func (c *Context) Storage() storage.Storage     { return c.storage }
func (c *Context) Metrics() *telemetry.Metrics  { return c.metrics }
func (c *Context) Tracer() *telemetry.Tracer    { return c.tracer }
func (c *Context) Logger() logging.Logger       { return c.logger }

func (c *Context) runtime() entity.Runtime {
	return entity.Runtime{Bus: c.bus, Storage: c.storage, Engine: c.engine}
}

// Lookup finds a managed entity
func (c *Context) Lookup(id string) (*entity.Entity, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.entities[id]
	return e, ok
}

// Entities lists managed entities in the order they became managed
func (c *Context) Entities() []*entity.Entity {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	list := make([]*entity.Entity, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.entities[id])
	}
	return list
}

// Roots lists managed entities without a parent
func (c *Context) Roots() []*entity.Entity {
	roots := make([]*entity.Entity, 0)
	for _, e := range c.Entities() {
		if e.Parent() == nil {
			roots = append(roots, e)
		}
	}
	return roots
}

// ParentOf implements events.Topology
func (c *Context) ParentOf(id string) (string, bool) {
	e, ok := c.Lookup(id)
	if !ok {
		return "", false
	}
	if parent := e.Parent(); parent != nil {
		return parent.ID(), true
	}
	return "", false
}

// GroupsOf implements events.Topology
func (c *Context) GroupsOf(id string) []string {
	e, ok := c.Lookup(id)
	if !ok {
		return nil
	}
	groups := e.Groups()
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID())
	}
	return ids
}

// Manage brings e and its descendants under management. Each entity is
// attached to the runtime, initialized and offered to the dynamic groups.
func (c *Context) Manage(e *entity.Entity) error {
	if parent := e.Parent(); parent != nil {
		if _, ok := c.Lookup(parent.ID()); !ok {
			return errors.NewValidationError(fmt.Sprintf("parent %s of %s is not managed", parent, e), nil)
		}
	}

	pending := append([]*entity.Entity{e}, e.Descendants()...)
	for _, next := range pending {
		if err := c.manageOne(next); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) manageOne(e *entity.Entity) error {
	c.mutex.Lock()
	if existing, ok := c.entities[e.ID()]; ok {
		c.mutex.Unlock()
		if existing == e {
			return nil
		}
		return errors.NewConflictError(fmt.Sprintf("another entity is managed with id %s", e.ID()), nil)
	}
	c.entities[e.ID()] = e
	c.order = append(c.order, e.ID())
	c.mutex.Unlock()

	// Initializers run attached so enrichers they install see a live entity
	e.Attach(c.runtime())
	if err := e.Init(); err != nil {
		c.forget(e)
		e.Detach()
		return errors.NewInternalError(fmt.Sprintf("initializing %s", e), err).WithContext("entity", e.ID())
	}

	c.mutex.Lock()
	count := len(c.entities)
	groups := append([]*group.DynamicGroup{}, c.groups...)
	c.mutex.Unlock()

	c.metrics.SetEntitiesManaged(count)
	c.logger.Debugf("Managed %s", e)

	for _, g := range groups {
		g.EntityManaged(e)
	}
	return nil
}

// Unmanage detaches e and its descendants, removing e from its parent and
// every entity from the groups it belongs to
func (c *Context) Unmanage(e *entity.Entity) error {
	if _, ok := c.Lookup(e.ID()); !ok {
		return errors.NewNotFoundError(fmt.Sprintf("entity %s is not managed", e), nil)
	}
	if parent := e.Parent(); parent != nil {
		parent.RemoveChild(e)
	}

	descendants := e.Descendants()
	for i := len(descendants) - 1; i >= 0; i-- {
		c.unmanageOne(descendants[i])
	}
	c.unmanageOne(e)
	return nil
}

func (c *Context) unmanageOne(e *entity.Entity) {
	c.mutex.Lock()
	if _, ok := c.entities[e.ID()]; !ok {
		c.mutex.Unlock()
		return
	}
	c.forgetLocked(e)
	remaining := make([]*group.DynamicGroup, 0, len(c.groups))
	for _, g := range c.groups {
		if g.Group() != e {
			remaining = append(remaining, g)
		}
	}
	c.groups = remaining
	count := len(c.entities)
	c.mutex.Unlock()

	for _, g := range remaining {
		g.EntityUnmanaged(e)
	}
	for _, g := range e.Groups() {
		g.RemoveMember(e)
	}
	for _, m := range e.Members() {
		e.RemoveMember(m)
	}

	e.Detach()
	c.metrics.SetEntitiesManaged(count)
	c.logger.Debugf("Unmanaged %s", e)
}

func (c *Context) forget(e *entity.Entity) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.forgetLocked(e)
}

func (c *Context) forgetLocked(e *entity.Entity) {
	delete(c.entities, e.ID())
	for i, id := range c.order {
		if id == e.ID() {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// AddDynamicGroup installs filter-driven membership on the managed group g
func (c *Context) AddDynamicGroup(g *entity.Entity, filter group.Filter) (*group.DynamicGroup, error) {
	if _, ok := c.Lookup(g.ID()); !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("group %s is not managed", g), nil)
	}
	d, err := group.Attach(g, filter, c, c.bus)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	c.groups = append(c.groups, d)
	c.mutex.Unlock()
	return d, nil
}

// Shutdown stops the task engine and flushes the tracer
func (c *Context) Shutdown(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	if err := c.engine.Shutdown(ctx); err != nil {
		collection.Add(err)
	}
	if err := c.tracer.Shutdown(ctx); err != nil {
		collection.Add(err)
	}
	return collection.ToError()
}
