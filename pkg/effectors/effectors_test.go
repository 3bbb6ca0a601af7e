package effectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

type mapLocator map[string]*entity.Entity

func (m mapLocator) Lookup(id string) (*entity.Entity, bool) {
	e, ok := m[id]
	return e, ok
}

func newEngine(t *testing.T) *tasks.Engine {
	engine := tasks.NewEngine(tasks.Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func resize() *Effector {
	return New("resize", func(tc *tasks.Context, e *entity.Entity, params Params) (any, error) {
		size, _ := Get[int](params, "size")
		return size * 2, nil
	},
		WithDescription("Changes the cluster size"),
		WithParameters(
			Param[int]("size", "desired size", Required()),
			Param[string]("reason", "why", WithDefault("manual")),
		),
		Returns[int]())
}

func TestBind(t *testing.T) {
	eff := resize()

	params, err := eff.Bind(map[string]any{"size": "3", "extra": true})
	require.NoError(t, err)
	assert.Equal(t, 3, params["size"])
	assert.Equal(t, "manual", params["reason"])
	assert.Equal(t, true, params["extra"])

	_, err = eff.Bind(map[string]any{})
	assert.True(t, errors.IsMissingParameterError(err))

	_, err = eff.Bind(map[string]any{"size": "three"})
	assert.True(t, errors.IsConfigTypeError(err))
}

func TestEqual(t *testing.T) {
	assert.True(t, resize().Equal(resize()))

	other := New("resize", nil, WithParameters(Param[int]("size", "desired size", Required())), Returns[int]())
	assert.False(t, resize().Equal(other))
	assert.False(t, resize().Equal(nil))
	assert.Equal(t, "int", resize().ReturnType())
	assert.Len(t, resize().Parameters(), 2)
}

func TestInvoke_TagsAndResult(t *testing.T) {
	engine := newEngine(t)
	cluster := entity.New(entity.WithID("cluster"))
	Add(cluster, resize())

	task, err := Invoke(engine, cluster, "resize", map[string]any{"size": 4})
	require.NoError(t, err)

	result, err := tasks.AsTyped[int](task).Get()
	require.NoError(t, err)
	assert.Equal(t, 8, result)

	tags := task.Tags()
	assert.Equal(t, "cluster", tags.EntityID)
	assert.Equal(t, "resize", tags.Effector)
	assert.Equal(t, 4, tags.Params["size"])
}

func TestInvoke_Errors(t *testing.T) {
	engine := newEngine(t)
	e := entity.New()
	Add(e, resize())

	_, err := Invoke(engine, e, "missing", nil)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = Invoke(engine, e, "resize", nil)
	assert.True(t, errors.IsMissingParameterError(err))
}

func TestList(t *testing.T) {
	e := entity.New()
	Add(e, resize(), New("start", nil))
	list := List(e)
	require.Len(t, list, 2)
	assert.Equal(t, "resize", list[0].Name())
	assert.Equal(t, "start", list[1].Name())
}

type stopFactory struct{}

func (stopFactory) NewTask(e *entity.Entity, eff *Effector, params Params) *tasks.Task {
	return tasks.Sequential(eff.Name(),
		tasks.New("stop-children", func(*tasks.Context) (any, error) { return nil, nil }),
		tasks.New("stop-self", func(*tasks.Context) (any, error) { return nil, nil }),
	)
}

func TestTaskFactory(t *testing.T) {
	engine := newEngine(t)
	e := entity.New()
	Add(e, NewWithFactory("stop", stopFactory{}))

	task, err := Invoke(engine, e, "stop", nil)
	require.NoError(t, err)
	_, err = task.Get()
	require.NoError(t, err)
	assert.Len(t, task.Children(), 2)
}

func TestDelegate(t *testing.T) {
	engine := newEngine(t)
	cluster := entity.New(entity.WithID("cluster"))
	Add(cluster, resize())
	app := entity.New(entity.WithID("app"))
	Add(app, Delegate("resizeCluster", mapLocator{"cluster": cluster}, "cluster", "resize"))

	task, err := Invoke(engine, app, "resizeCluster", map[string]any{"size": 5})
	require.NoError(t, err)
	result, err := task.Get()
	require.NoError(t, err)
	assert.Equal(t, 10, result)

	children := task.Children()
	require.Len(t, children, 1)
	call, ok := tasks.EffectorCall(children[0])
	require.True(t, ok)
	assert.Equal(t, "cluster", call.Tags().EntityID)

	Add(app, Delegate("broken", mapLocator{}, "nowhere", "resize"))
	task, err = Invoke(engine, app, "broken", nil)
	require.NoError(t, err)
	_, err = task.Get()
	assert.True(t, errors.IsNotFoundError(err))
}
