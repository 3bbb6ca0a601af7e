package sensors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
)

func TestCoerce_Scalars(t *testing.T) {
	i, err := Coerce[int]("42")
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	i, err = Coerce[int](float64(7))
	require.NoError(t, err)
	assert.Equal(t, 7, i)

	b, err := Coerce[bool]("true")
	require.NoError(t, err)
	assert.True(t, b)

	s, err := Coerce[string](12)
	require.NoError(t, err)
	assert.Equal(t, "12", s)

	d, err := Coerce[time.Duration]("1500ms")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = Coerce[time.Duration](250)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestCoerce_Failures(t *testing.T) {
	_, err := Coerce[int]("not a number")
	assert.True(t, errors.IsConfigTypeError(err))

	_, err = Coerce[int](1.5)
	assert.True(t, errors.IsConfigTypeError(err))

	_, err = Coerce[bool](struct{}{})
	assert.True(t, errors.IsConfigTypeError(err))
}

func TestCoerce_TextAndStructured(t *testing.T) {
	state, err := Coerce[lifecycle.Lifecycle]("ON_FIRE")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OnFire, state)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	transition, err := Coerce[lifecycle.Transition](map[string]any{
		"state":     "running",
		"timestamp": now.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Running, transition.State)
	assert.True(t, now.Equal(transition.Timestamp))

	tags, err := Coerce[[]string]([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	m, err := Coerce[map[string]any](map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, m)
}

func TestSensor_CoerceNilAndNames(t *testing.T) {
	v, err := ServiceUp.Coerce(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ServiceUp.Coerce("false")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	assert.Equal(t, "service.up", ServiceUp.Name())
	assert.Equal(t, "bool", ServiceUp.TypeName())
	assert.Equal(t, "map", ServiceProblems.TypeName())
	assert.False(t, ServiceUp.IsNotification())
	assert.True(t, ChildAdded.IsNotification())
}

func TestConfigKey_Defaults(t *testing.T) {
	key := NewConfigKeyWithDefault("http.port", "listen port", 8080)
	assert.Equal(t, 8080, key.Default())
	assert.Equal(t, 8080, key.DefaultValue())
	assert.Equal(t, Overwrite, key.MergeMode())

	plain := NewConfigKey[string]("name", "")
	assert.Equal(t, "", plain.Default())
}

func TestMerge(t *testing.T) {
	merged := Merge(MergeMaps,
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3, "c": 4})
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)

	appended := Merge(AppendLists, []any{"x"}, []any{"y"})
	assert.Equal(t, []any{"x", "y"}, appended)

	assert.Equal(t, "new", Merge(Overwrite, "old", "new"))
	assert.Equal(t, "new", Merge(MergeMaps, nil, "new"))
}

func TestRemoveSentinel(t *testing.T) {
	assert.True(t, IsRemove(Remove))
	assert.False(t, IsRemove(nil))
	assert.False(t, IsRemove("remove"))
}
