package entity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
)

var (
	portKey  = sensors.NewConfigKeyWithDefault("http.port", "port", 80)
	envKey   = sensors.NewMapConfigKey("shell.env", "environment")
	loadAttr = sensors.NewAttributeSensor[float64]("load", "")
)

type recordingBus struct {
	mutex  sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) forSensor(name string) []events.Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	list := make([]events.Event, 0)
	for _, e := range b.events {
		if e.Sensor.Name() == name {
			list = append(list, e)
		}
	}
	return list
}

func managed(t *testing.T, opts ...Option) (*Entity, *recordingBus) {
	bus := &recordingBus{}
	e := New(opts...)
	e.Attach(Runtime{Bus: bus})
	return e, bus
}

func TestConfig_DefaultOwnInherited(t *testing.T) {
	parent := New(WithID("parent"))
	child := New(WithID("child"))
	grandchild := New(WithID("grandchild"))
	require.NoError(t, child.SetParent(parent))
	require.NoError(t, grandchild.SetParent(child))

	assert.Equal(t, 80, Config(grandchild, portKey))

	_, err := parent.SetConfig(portKey, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, Config(child, portKey))
	assert.Equal(t, 5, Config(grandchild, portKey))

	_, err = child.SetConfig(portKey, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, Config(parent, portKey))
	assert.Equal(t, 7, Config(child, portKey))
	assert.Equal(t, 7, Config(grandchild, portKey))

	old, err := parent.SetConfig(portKey, 9)
	require.NoError(t, err)
	assert.Equal(t, 5, old)
	assert.Equal(t, 9, Config(parent, portKey))
	assert.Equal(t, 7, Config(child, portKey))

	child.UnsetConfig(portKey)
	assert.Equal(t, 9, Config(child, portKey))
	assert.Equal(t, 9, Config(grandchild, portKey))
}

func TestConfig_InheritedOnLateParent(t *testing.T) {
	parent := New()
	_, err := parent.SetConfig(portKey, 8443)
	require.NoError(t, err)

	child := New()
	assert.Equal(t, 80, Config(child, portKey))
	require.NoError(t, child.SetParent(parent))
	assert.Equal(t, 8443, Config(child, portKey))
	assert.True(t, child.HasConfig(portKey))

	parent.RemoveChild(child)
	assert.Equal(t, 80, Config(child, portKey))
	assert.False(t, child.HasConfig(portKey))
}

func TestConfig_CoercionAndTypeError(t *testing.T) {
	e := New()
	_, err := e.SetConfig(portKey, "8080")
	require.NoError(t, err)
	assert.Equal(t, 8080, Config(e, portKey))

	_, err = e.SetConfig(portKey, "eighty")
	assert.True(t, errors.IsConfigTypeError(err))
	assert.Equal(t, 8080, Config(e, portKey))
}

func TestConfig_StructuredKeyMerges(t *testing.T) {
	e := New()
	_, err := e.SetConfig(envKey, map[string]any{"A": "1"})
	require.NoError(t, err)
	_, err = e.SetConfig(envKey, map[string]string{"B": "2"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"A": "1", "B": "2"}, Config(e, envKey))
}

func TestAttribute_SetPublishesAndReturnsOld(t *testing.T) {
	e, bus := managed(t)

	assert.Nil(t, e.SetAttribute(loadAttr, 0.5))
	assert.Equal(t, 0.5, e.SetAttribute(loadAttr, "0.75"))

	v, ok := Attribute(e, loadAttr)
	assert.True(t, ok)
	assert.Equal(t, 0.75, v)

	published := bus.forSensor("load")
	require.Len(t, published, 2)
	assert.Equal(t, e.ID(), published[0].Producer)
	assert.Equal(t, 0.75, published[1].Value)

	// unchanged writes still publish unless suppressed
	e.SetAttribute(loadAttr, 0.75)
	assert.Len(t, bus.forSensor("load"), 3)
	e.SetAttributeIfChanged(loadAttr, 0.75)
	assert.Len(t, bus.forSensor("load"), 3)

	e.SuppressDuplicates(loadAttr)
	e.SetAttribute(loadAttr, 0.75)
	assert.Len(t, bus.forSensor("load"), 3)
}

func TestAttribute_RemoveAndUnmanagedSilence(t *testing.T) {
	e := New()
	e.SetAttribute(loadAttr, 1.0)
	_, ok := Attribute(e, loadAttr)
	assert.True(t, ok)

	bus := &recordingBus{}
	e.Attach(Runtime{Bus: bus})
	assert.Empty(t, bus.events, "attribute set before management is not published")

	e.SetAttribute(loadAttr, sensors.Remove)
	assert.False(t, e.HasAttribute(loadAttr))
	published := bus.forSensor("load")
	require.Len(t, published, 1)
	assert.Nil(t, published[0].Value)

	e.RemoveAttribute(loadAttr)
	assert.Len(t, bus.forSensor("load"), 1)
}

func TestAttribute_DynamicSensorDiscovery(t *testing.T) {
	e := New()
	dynamic := sensors.NewUntypedSensor("custom.metric")
	e.SetAttribute(dynamic, 12)

	found, ok := e.Sensor("custom.metric")
	require.True(t, ok)
	assert.Equal(t, "any", found.TypeName())

	e.DeclareSensors(sensors.NewAttributeSensor[int]("custom.metric", ""))
	found, _ = e.Sensor("custom.metric")
	assert.Equal(t, "int", found.TypeName())
}

func TestMapSensor_IdempotentSinglePublish(t *testing.T) {
	e, bus := managed(t)
	indicators := sensors.ServiceNotUpIndicators

	assert.True(t, e.UpdateMapSensorEntry(indicators, "k", "v", KeepEmpty))
	assert.False(t, e.UpdateMapSensorEntry(indicators, "k", "v", KeepEmpty))

	published := bus.forSensor(indicators.Name())
	require.Len(t, published, 1)
	assert.Equal(t, map[string]any{"k": "v"}, published[0].Value)
	assert.Equal(t, map[string]any{"k": "v"}, e.GetAttribute(indicators))
}

func TestMapSensor_TriState(t *testing.T) {
	e, bus := managed(t)
	problems := sensors.ServiceProblems

	// removing from an absent map creates an empty one
	assert.True(t, e.UpdateMapSensorEntry(problems, "x", sensors.Remove, KeepEmpty))
	assert.Equal(t, map[string]any{}, e.GetAttribute(problems))
	assert.False(t, e.UpdateMapSensorEntry(problems, "x", sensors.Remove, KeepEmpty))

	assert.True(t, e.UpdateMapSensorEntry(problems, "x", "broken", KeepEmpty))
	assert.True(t, e.UpdateMapSensorEntry(problems, "x", sensors.Remove, KeepEmpty))
	assert.Equal(t, map[string]any{}, e.GetAttribute(problems))
	assert.Len(t, bus.forSensor(problems.Name()), 3)

	assert.True(t, e.UpdateMapSensorEntry(problems, "x", "broken", RemoveWhenEmpty))
	assert.True(t, e.UpdateMapSensorEntry(problems, "x", sensors.Remove, RemoveWhenEmpty))
	assert.False(t, e.HasAttribute(problems))
	assert.False(t, e.UpdateMapSensorEntry(problems, "x", sensors.Remove, RemoveWhenEmpty))
	assert.False(t, e.HasAttribute(problems))
}

func TestMapSensor_PublishedValueIsACopy(t *testing.T) {
	e, bus := managed(t)
	e.UpdateMapSensorEntry(sensors.ServiceProblems, "a", "1", KeepEmpty)
	published := bus.forSensor(sensors.ServiceProblems.Name())[0].Value.(map[string]any)
	published["b"] = "2"

	assert.Equal(t, map[string]any{"a": "1"}, e.GetAttribute(sensors.ServiceProblems))
}

func TestTree_ParentChild(t *testing.T) {
	app, bus := managed(t, WithID("app"))
	web := New(WithID("web"))
	db := New(WithID("db"))

	require.NoError(t, app.AddChild(web))
	require.NoError(t, db.SetParent(app))
	require.NoError(t, web.SetParent(app), "same parent again is a no-op")

	assert.Equal(t, []*Entity{web, db}, app.Children())
	assert.Equal(t, app, web.Parent())
	assert.Equal(t, app, db.Root())
	assert.True(t, app.IsAncestorOf(db))

	added := bus.forSensor(sensors.ChildAdded.Name())
	require.Len(t, added, 2)
	assert.Equal(t, "web", added[0].Value)

	assert.True(t, app.RemoveChild(web))
	assert.False(t, app.RemoveChild(web))
	assert.Nil(t, web.Parent())
	assert.Len(t, bus.forSensor(sensors.ChildRemoved.Name()), 1)

	db.ClearParent()
	assert.Empty(t, app.Children())
}

func TestTree_CyclePrevention(t *testing.T) {
	a := New(WithID("a"))
	b := New(WithID("b"))
	c := New(WithID("c"))
	require.NoError(t, b.SetParent(a))
	require.NoError(t, c.SetParent(b))

	err := a.SetParent(c)
	require.Error(t, err)
	assert.True(t, errors.IsCycleError(err))
	assert.Nil(t, a.Parent())
	assert.Empty(t, c.Children())

	assert.True(t, errors.IsCycleError(a.SetParent(a)))
}

func TestTree_Reparent(t *testing.T) {
	p1 := New()
	p2 := New()
	child := New()
	require.NoError(t, child.SetParent(p1))

	err := child.SetParent(p2)
	assert.True(t, errors.IsReparentError(err))
	assert.Equal(t, p1, child.Parent())
	assert.Empty(t, p2.Children())
}

func TestTree_Descendants(t *testing.T) {
	root := New(WithID("root"))
	a := New(WithID("a"))
	a1 := New(WithID("a1"))
	b := New(WithID("b"))
	require.NoError(t, a.SetParent(root))
	require.NoError(t, a1.SetParent(a))
	require.NoError(t, b.SetParent(root))

	ids := make([]string, 0)
	for _, d := range root.Descendants() {
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{"a", "a1", "b"}, ids)
	assert.Equal(t, []*Entity{a, root}, a1.Ancestors())
}

func TestGroup_Membership(t *testing.T) {
	group, bus := managed(t, AsGroup())
	member := New(WithID("m1"))

	added, err := group.AddMember(member)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = group.AddMember(member)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []*Entity{member}, group.Members())
	assert.Equal(t, []*Entity{group}, member.Groups())
	size, _ := Attribute(group, sensors.GroupSize)
	assert.Equal(t, 1, size)
	assert.Len(t, bus.forSensor(sensors.MemberAdded.Name()), 1)

	assert.True(t, group.RemoveMember(member))
	assert.False(t, group.HasMember(member))
	assert.Empty(t, member.Groups())

	_, err = New().AddMember(member)
	assert.True(t, errors.IsValidationError(err))
}

type stubAdjunct struct {
	tag     string
	stopped bool
}

func (s *stubAdjunct) UniqueTag() string { return s.tag }
func (s *stubAdjunct) Stop()             { s.stopped = true }

func TestAdjuncts(t *testing.T) {
	e := New()
	first := &stubAdjunct{tag: "lifecycle"}
	second := &stubAdjunct{tag: "lifecycle"}
	other := &stubAdjunct{tag: "children"}

	e.AddAdjunct(first)
	e.AddAdjunct(other)
	e.AddAdjunct(second)
	assert.True(t, first.stopped)
	assert.Equal(t, []Adjunct{second, other}, e.Adjuncts())

	assert.True(t, e.RemoveAdjunct("children"))
	assert.True(t, other.stopped)
	assert.False(t, e.RemoveAdjunct("children"))

	e.Detach()
	assert.True(t, second.stopped)
}

func TestInitializersRunOnce(t *testing.T) {
	calls := 0
	e := New(WithInitializer(func(e *Entity) error {
		calls++
		e.SetAttribute(sensors.Hostname, "localhost")
		return nil
	}))
	require.NoError(t, e.Init())
	require.NoError(t, e.Init())
	assert.Equal(t, 1, calls)
	host, _ := Attribute(e, sensors.Hostname)
	assert.Equal(t, "localhost", host)
}

func TestPersistence_WriteThroughAndRestore(t *testing.T) {
	store := storage.NewMemoryStorage()
	parent := New(WithID("app"), WithDisplayName("My App"))
	child := New(WithID("web"))
	require.NoError(t, child.SetParent(parent))

	parent.Attach(Runtime{Storage: store})
	child.Attach(Runtime{Storage: store})
	_, err := child.SetConfig(portKey, 8080)
	require.NoError(t, err)
	child.SetAttribute(sensors.ServiceUp, true)
	child.UpdateMapSensorEntry(sensors.ServiceProblems, "k", "v", KeepEmpty)

	assert.Equal(t, []string{"app", "web"}, StoredIDs(store))

	restored, meta, err := Restore(store, "web")
	require.NoError(t, err)
	assert.Equal(t, "app", meta.Parent)
	assert.Equal(t, 8080, Config(restored, portKey))
	up, ok := Attribute(restored, sensors.ServiceUp)
	assert.True(t, ok)
	assert.True(t, up)
	assert.Equal(t, map[string]any{"k": "v"}, restored.GetAttribute(sensors.ServiceProblems))

	restoredApp, _, err := Restore(store, "app")
	require.NoError(t, err)
	assert.Equal(t, "My App", restoredApp.DisplayName())

	child.Detach()
	assert.Equal(t, []string{"app"}, StoredIDs(store))
	_, _, err = Restore(store, "web")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTags(t *testing.T) {
	e, bus := managed(t)
	e.AddTags("web", "prod")
	e.AddTags("web")
	assert.Equal(t, []string{"web", "prod"}, e.Tags())
	assert.Len(t, bus.forSensor(sensors.Tags.Name()), 1)

	e.RemoveTags("prod", "missing")
	assert.Equal(t, []string{"web"}, e.Tags())
	e.RemoveTags("missing")
	assert.Len(t, bus.forSensor(sensors.Tags.Name()), 2)
}
