package management

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/core-tools/hsu-mgmt/pkg/effectors"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/group"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
	"github.com/core-tools/hsu-mgmt/pkg/telemetry"
)

var port = sensors.NewConfigKeyWithDefault[int]("port", "listen port", 80)

func newContext(t *testing.T, opts Options) *Context {
	c := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func tree(t *testing.T) (app, web, db *entity.Entity) {
	app = entity.New(entity.WithID("app"))
	web = entity.New(entity.WithID("web"))
	db = entity.New(entity.WithID("db"))
	require.NoError(t, web.SetParent(app))
	require.NoError(t, db.SetParent(app))
	return app, web, db
}

func ids(list []*entity.Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID())
	}
	return out
}

func TestManage_Recursive(t *testing.T) {
	c := newContext(t, Options{})
	app, web, _ := tree(t)
	initialized := 0
	extra := entity.New(entity.WithID("extra"), entity.WithInitializer(func(e *entity.Entity) error {
		initialized++
		return nil
	}))
	require.NoError(t, extra.SetParent(web))

	require.NoError(t, c.Manage(app))
	assert.Equal(t, []string{"app", "web", "db", "extra"}, ids(c.Entities()))
	assert.Equal(t, []string{"app"}, ids(c.Roots()))
	assert.Equal(t, 1, initialized)
	assert.True(t, extra.IsManaged())

	found, ok := c.Lookup("extra")
	require.True(t, ok)
	assert.Same(t, extra, found)

	parent, ok := c.ParentOf("extra")
	assert.True(t, ok)
	assert.Equal(t, "web", parent)
	_, ok = c.ParentOf("app")
	assert.False(t, ok)

	// Managing again is a no-op
	require.NoError(t, c.Manage(app))
	assert.Len(t, c.Entities(), 4)
	assert.Equal(t, 1, initialized)
}

func TestManage_Errors(t *testing.T) {
	c := newContext(t, Options{})
	_, web, _ := tree(t)
	assert.True(t, errors.IsValidationError(c.Manage(web)))

	require.NoError(t, c.Manage(entity.New(entity.WithID("dup"))))
	assert.True(t, errors.IsConflictError(c.Manage(entity.New(entity.WithID("dup")))))

	failing := entity.New(entity.WithInitializer(func(*entity.Entity) error { return assert.AnError }))
	assert.True(t, errors.IsInternalError(c.Manage(failing)))
	_, ok := c.Lookup(failing.ID())
	assert.False(t, ok)
}

func TestManage_PublishesThroughTopology(t *testing.T) {
	c := newContext(t, Options{})
	app, web, _ := tree(t)
	require.NoError(t, c.Manage(app))

	received := make([]string, 0)
	c.Bus().SubscribeToChildren("test", app.ID(), sensors.ServiceUp, func(ev events.Event) {
		received = append(received, ev.Producer)
	})
	web.SetAttribute(sensors.ServiceUp, true)
	assert.Equal(t, []string{"web"}, received)
}

func TestUnmanage(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := newContext(t, Options{Storage: store})
	app, web, db := tree(t)
	g := entity.New(entity.WithID("all"), entity.AsGroup())
	require.NoError(t, c.Manage(app))
	require.NoError(t, c.Manage(g))
	_, err := g.AddMember(web)
	require.NoError(t, err)
	web.SetAttribute(sensors.ServiceUp, true)
	assert.Contains(t, entity.StoredIDs(store), "web")

	require.NoError(t, c.Unmanage(web))
	assert.Nil(t, web.Parent())
	assert.Equal(t, []*entity.Entity{db}, app.Children())
	assert.False(t, g.HasMember(web))
	assert.False(t, web.IsManaged())
	assert.NotContains(t, entity.StoredIDs(store), "web")
	assert.Equal(t, []string{"app", "db", "all"}, ids(c.Entities()))

	assert.True(t, errors.IsNotFoundError(c.Unmanage(web)))

	require.NoError(t, c.Unmanage(app))
	assert.Equal(t, []string{"all"}, ids(c.Entities()))
	assert.False(t, db.IsManaged())
}

func TestDynamicGroup_FollowsManagement(t *testing.T) {
	c := newContext(t, Options{})
	g := entity.New(entity.WithID("webs"), entity.AsGroup())
	require.NoError(t, c.Manage(g))
	filter, err := group.NewCELFilter(`"web" in entity.tags`)
	require.NoError(t, err)
	_, err = c.AddDynamicGroup(g, filter)
	require.NoError(t, err)

	web := entity.New(entity.WithID("web"))
	web.AddTags("web")
	require.NoError(t, c.Manage(web))
	assert.True(t, g.HasMember(web))
	assert.Equal(t, []string{"webs"}, c.GroupsOf("web"))

	require.NoError(t, c.Unmanage(web))
	assert.False(t, g.HasMember(web))

	_, err = c.AddDynamicGroup(entity.New(entity.AsGroup()), group.HasTag("x"))
	assert.True(t, errors.IsValidationError(err))
}

func echo() *effectors.Effector {
	return effectors.New("echo", func(tc *tasks.Context, e *entity.Entity, params effectors.Params) (any, error) {
		msg, _ := effectors.Get[string](params, "msg")
		if msg == "fail" {
			return nil, assert.AnError
		}
		return msg, nil
	}, effectors.WithParameters(effectors.Param[string]("msg", "message", effectors.Required())))
}

func TestInvoke(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := telemetry.NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	metrics := telemetry.NewMetrics(telemetry.DefaultMetricsConfig())
	c := newContext(t, Options{Tracer: tracer, Metrics: metrics})

	e := entity.New(entity.WithID("e"))
	effectors.Add(e, echo())
	require.NoError(t, c.Manage(e))

	result, err := c.InvokeAndGet(context.Background(), "e", "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)

	task, err := c.Invoke(context.Background(), "e", "echo", map[string]any{"msg": "fail"})
	require.NoError(t, err)
	_, err = task.Get()
	assert.True(t, errors.IsTaskExecutionError(err))

	_, err = c.Invoke(context.Background(), "missing", "echo", nil)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = c.Invoke(context.Background(), "e", "missing", nil)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = c.Invoke(context.Background(), "e", "echo", nil)
	assert.True(t, errors.IsMissingParameterError(err))

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 5 }, time.Second, 5*time.Millisecond)
	statuses := map[codes.Code]int{}
	for _, span := range exporter.GetSpans() {
		statuses[span.Status.Code]++
	}
	assert.Equal(t, 1, statuses[codes.Ok])
	assert.Equal(t, 4, statuses[codes.Error])
}

func TestInvokeTyped(t *testing.T) {
	c := newContext(t, Options{})
	e := entity.New(entity.WithID("e"))
	effectors.Add(e, effectors.New("count", func(tc *tasks.Context, e *entity.Entity, params effectors.Params) (any, error) {
		return "42", nil
	}))
	require.NoError(t, c.Manage(e))

	typed, err := InvokeTyped[int](context.Background(), c, "e", "count", nil)
	require.NoError(t, err)
	value, err := typed.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, "e", typed.Tags().EntityID)
}

func TestRestore(t *testing.T) {
	store := storage.NewMemoryStorage()
	first := newContext(t, Options{Storage: store})
	app, web, _ := tree(t)
	require.NoError(t, first.Manage(app))
	_, err := app.SetConfig(port, 8080)
	require.NoError(t, err)
	web.SetAttribute(sensors.Hostname, "web.local")

	second := newContext(t, Options{Storage: store})
	bound := make([]string, 0)
	restored, err := second.Restore(func(e *entity.Entity, meta entity.Meta) error {
		bound = append(bound, meta.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "db", "web"}, ids(restored))
	assert.Equal(t, []string{"app", "db", "web"}, bound)

	restoredWeb, ok := second.Lookup("web")
	require.True(t, ok)
	require.NotNil(t, restoredWeb.Parent())
	assert.Equal(t, "app", restoredWeb.Parent().ID())
	assert.Equal(t, 8080, entity.Config(restoredWeb, port))
	host, _ := entity.Attribute(restoredWeb, sensors.Hostname)
	assert.Equal(t, "web.local", host)
	assert.Equal(t, []string{"app"}, ids(second.Roots()))

	again, err := second.Restore(nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}
