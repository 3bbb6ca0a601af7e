package group

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

type universe struct {
	mutex    sync.Mutex
	entities map[string]*entity.Entity
	bus      *events.Bus
}

func newUniverse() *universe {
	u := &universe{entities: make(map[string]*entity.Entity)}
	u.bus = events.NewBus(u, nil)
	return u
}

func (u *universe) ParentOf(id string) (string, bool) {
	if e, ok := u.Lookup(id); ok && e.Parent() != nil {
		return e.Parent().ID(), true
	}
	return "", false
}

func (u *universe) GroupsOf(id string) []string {
	e, ok := u.Lookup(id)
	if !ok {
		return nil
	}
	ids := make([]string, 0)
	for _, g := range e.Groups() {
		ids = append(ids, g.ID())
	}
	return ids
}

func (u *universe) Entities() []*entity.Entity {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	list := make([]*entity.Entity, 0, len(u.entities))
	for _, e := range u.entities {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

func (u *universe) Lookup(id string) (*entity.Entity, bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	e, ok := u.entities[id]
	return e, ok
}

func (u *universe) add(id string, opts ...entity.Option) *entity.Entity {
	e := entity.New(append([]entity.Option{entity.WithID(id)}, opts...)...)
	u.mutex.Lock()
	u.entities[id] = e
	u.mutex.Unlock()
	e.Attach(entity.Runtime{Bus: u.bus})
	return e
}

func memberIDs(g *entity.Entity) []string {
	ids := make([]string, 0)
	for _, m := range g.Members() {
		ids = append(ids, m.ID())
	}
	sort.Strings(ids)
	return ids
}

func TestDynamicGroup_InitialScan(t *testing.T) {
	u := newUniverse()
	web1 := u.add("web1")
	web1.AddTags("web")
	db := u.add("db")
	db.AddTags("db")
	g := u.add("webs", entity.AsGroup())

	d, err := Attach(g, HasTag("web"), u, u.bus)
	require.NoError(t, err)

	assert.Equal(t, []string{"web1"}, memberIDs(g))
	assert.Equal(t, int64(1), d.Rescans())
	size, _ := entity.Attribute(g, sensors.GroupSize)
	assert.Equal(t, 1, size)
}

func TestDynamicGroup_IncrementalWithoutRescan(t *testing.T) {
	u := newUniverse()
	a := u.add("a")
	g := u.add("g", entity.AsGroup())
	d, err := Attach(g, HasTag("web"), u, u.bus)
	require.NoError(t, err)
	assert.Empty(t, memberIDs(g))

	a.AddTags("web")
	assert.Equal(t, []string{"a"}, memberIDs(g))

	a.RemoveTags("web")
	assert.Empty(t, memberIDs(g))

	assert.Equal(t, int64(1), d.Rescans())
}

func TestDynamicGroup_ManagedAndUnmanaged(t *testing.T) {
	u := newUniverse()
	g := u.add("g", entity.AsGroup())
	d, err := Attach(g, FilterFunc(func(e *entity.Entity) bool { return e.ID() != "skip" }), u, u.bus)
	require.NoError(t, err)

	late := u.add("late")
	d.EntityManaged(late)
	d.EntityManaged(u.add("skip"))
	d.EntityManaged(g)
	assert.Equal(t, []string{"late"}, memberIDs(g))

	d.EntityUnmanaged(late)
	assert.Empty(t, memberIDs(g))
}

func TestDynamicGroup_AttributeEquals(t *testing.T) {
	u := newUniverse()
	a := u.add("a")
	b := u.add("b")
	g := u.add("g", entity.AsGroup())
	_, err := Attach(g, AttributeEquals(sensors.ServiceUp, true), u, u.bus)
	require.NoError(t, err)

	a.SetAttribute(sensors.ServiceUp, true)
	b.SetAttribute(sensors.ServiceUp, false)
	assert.Equal(t, []string{"a"}, memberIDs(g))

	b.SetAttribute(sensors.ServiceUp, "true")
	assert.Equal(t, []string{"a", "b"}, memberIDs(g))
}

func TestDynamicGroup_SetFilterRescans(t *testing.T) {
	u := newUniverse()
	a := u.add("a")
	a.AddTags("x")
	b := u.add("b")
	b.AddTags("y")
	g := u.add("g", entity.AsGroup())
	d, err := Attach(g, HasTag("x"), u, u.bus)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, memberIDs(g))

	require.NoError(t, d.SetFilter(HasTag("y")))
	assert.Equal(t, []string{"b"}, memberIDs(g))
	assert.Equal(t, int64(2), d.Rescans())

	assert.True(t, errors.IsValidationError(d.SetFilter(nil)))
}

func TestDynamicGroup_Stop(t *testing.T) {
	u := newUniverse()
	a := u.add("a")
	g := u.add("g", entity.AsGroup())
	d, err := Attach(g, HasTag("web"), u, u.bus)
	require.NoError(t, err)

	before := u.bus.SubscriptionCount()
	d.Stop()
	assert.Less(t, u.bus.SubscriptionCount(), before)

	a.AddTags("web")
	assert.Empty(t, memberIDs(g))
	assert.True(t, errors.IsConflictError(d.SetFilter(HasTag("web"))))
}

func TestAttach_Validation(t *testing.T) {
	u := newUniverse()
	plain := u.add("plain")
	_, err := Attach(plain, HasTag("x"), u, u.bus)
	assert.True(t, errors.IsValidationError(err))

	g := u.add("g", entity.AsGroup())
	_, err = Attach(g, nil, u, u.bus)
	assert.True(t, errors.IsValidationError(err))
}

func TestCELFilter(t *testing.T) {
	u := newUniverse()
	parent := u.add("app")
	web := u.add("web", entity.WithDisplayName("frontend"))
	require.NoError(t, web.SetParent(parent))
	web.AddTags("web")
	web.SetAttribute(sensors.ServiceUp, true)
	db := u.add("db")

	cases := []struct {
		expr string
		want map[string]bool
	}{
		{`"web" in entity.tags`, map[string]bool{"web": true, "db": false}},
		{`entity.parent == "app"`, map[string]bool{"web": true, "db": false}},
		{`"service.up" in entity.attributes && entity.attributes["service.up"] == true`, map[string]bool{"web": true, "db": false}},
		{`entity.displayName == "frontend" || entity.id == "db"`, map[string]bool{"web": true, "db": true}},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			f, err := NewCELFilter(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want["web"], f.Matches(web))
			assert.Equal(t, tc.want["db"], f.Matches(db))
		})
	}
}

func TestCELFilter_Errors(t *testing.T) {
	_, err := NewCELFilter(`entity.tags +`)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewCELFilter(`1 + 2`)
	assert.True(t, errors.IsValidationError(err))

	f, err := NewCELFilter(`entity.attributes["missing"] == 1`)
	require.NoError(t, err)
	e := entity.New(entity.WithID("x"))
	matched, err := f.Evaluate(e)
	assert.Error(t, err)
	assert.False(t, matched)
	assert.False(t, f.Matches(e))
}

func TestDynamicGroup_CELIncremental(t *testing.T) {
	u := newUniverse()
	a := u.add("a")
	g := u.add("g", entity.AsGroup())
	f, err := NewCELFilter(`"service.up" in entity.attributes && entity.attributes["service.up"] == true`)
	require.NoError(t, err)
	_, err = Attach(g, f, u, u.bus)
	require.NoError(t, err)
	assert.Empty(t, memberIDs(g))

	a.SetAttribute(sensors.ServiceUp, true)
	assert.Equal(t, []string{"a"}, memberIDs(g))
	a.SetAttribute(sensors.ServiceUp, false)
	assert.Empty(t, memberIDs(g))
}
