package entities

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/management"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

type fakeDriver struct {
	mutex     sync.Mutex
	calls     []string
	running   bool
	launchErr error
	stopErr   error
}

func (d *fakeDriver) record(call string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDriver) Calls() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Install(context.Context, *entity.Entity) error {
	d.record("install")
	return nil
}

func (d *fakeDriver) Customize(context.Context, *entity.Entity) error {
	d.record("customize")
	return nil
}

func (d *fakeDriver) Launch(context.Context, *entity.Entity) error {
	d.record("launch")
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.launchErr != nil {
		return d.launchErr
	}
	d.running = true
	return nil
}

func (d *fakeDriver) IsRunning(context.Context, *entity.Entity) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.running, nil
}

func (d *fakeDriver) Stop(context.Context, *entity.Entity) error {
	d.record("stop")
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopErr != nil {
		return d.stopErr
	}
	d.running = false
	return nil
}

func newContext(t *testing.T) *management.Context {
	c := management.New(management.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func actual(e *entity.Entity) lifecycle.Lifecycle {
	state, _ := entity.Attribute(e, sensors.ServiceStateActual)
	return state
}

func up(e *entity.Entity) bool {
	value, _ := entity.Attribute(e, sensors.ServiceUp)
	return value
}

func invoke(t *testing.T, c *management.Context, id, name string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.InvokeAndGet(ctx, id, name, params)
	return err
}

func TestSoftwareProcess_StartStop(t *testing.T) {
	c := newContext(t)
	driver := &fakeDriver{}
	e := NewSoftwareProcess(driver, c.Bus(), entity.WithID("web"))
	require.NoError(t, c.Manage(e))

	assert.Equal(t, lifecycle.Created, actual(e))
	assert.False(t, up(e))

	require.NoError(t, invoke(t, c, "web", StartEffector, map[string]any{LocationsParameter: []string{"localhost"}}))
	assert.Equal(t, []string{"install", "customize", "launch"}, driver.Calls())
	assert.True(t, up(e))
	assert.Equal(t, lifecycle.Running, actual(e))
	require.Len(t, e.Locations(), 1)
	assert.Equal(t, "localhost", e.Locations()[0].Name())

	require.NoError(t, invoke(t, c, "web", StopEffector, nil))
	assert.False(t, up(e))
	assert.Equal(t, lifecycle.Stopped, actual(e))
}

func TestSoftwareProcess_LaunchFailure(t *testing.T) {
	c := newContext(t)
	driver := &fakeDriver{launchErr: fmt.Errorf("port in use")}
	e := NewSoftwareProcess(driver, c.Bus(), entity.WithID("web"))
	require.NoError(t, c.Manage(e))

	err := invoke(t, c, "web", StartEffector, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Equal(t, lifecycle.OnFire, actual(e))

	problems, ok := entity.Attribute(e, sensors.ServiceProblems)
	require.True(t, ok)
	assert.Contains(t, problems, startProblem)

	// A later successful start clears the problem
	driver.mutex.Lock()
	driver.launchErr = nil
	driver.mutex.Unlock()
	require.NoError(t, invoke(t, c, "web", StartEffector, nil))
	assert.Equal(t, lifecycle.Running, actual(e))
}

func TestSoftwareProcess_NotRunningAfterLaunch(t *testing.T) {
	c := newContext(t)
	driver := &notRunningDriver{}
	e := NewSoftwareProcess(driver, c.Bus(), entity.WithID("web"))
	require.NoError(t, c.Manage(e))

	err := invoke(t, c, "web", StartEffector, nil)
	require.Error(t, err)
	assert.Equal(t, lifecycle.OnFire, actual(e))
}

type notRunningDriver struct {
	fakeDriver
}

func (d *notRunningDriver) IsRunning(context.Context, *entity.Entity) (bool, error) {
	return false, nil
}

func TestSoftwareProcess_Restart(t *testing.T) {
	c := newContext(t)
	driver := &fakeDriver{}
	e := NewSoftwareProcess(driver, c.Bus(), entity.WithID("web"))
	require.NoError(t, c.Manage(e))

	require.NoError(t, invoke(t, c, "web", StartEffector, map[string]any{LocationsParameter: []string{"localhost"}}))
	require.NoError(t, invoke(t, c, "web", RestartEffector, nil))

	assert.Equal(t, []string{"install", "customize", "launch", "stop", "install", "customize", "launch"}, driver.Calls())
	assert.Equal(t, lifecycle.Running, actual(e))
	assert.Len(t, e.Locations(), 1)
}

func application(t *testing.T, c *management.Context, drivers ...*fakeDriver) *entity.Entity {
	app := NewApplication(c.Bus(), nil, entity.WithID("app"))
	for i, driver := range drivers {
		child := NewSoftwareProcess(driver, c.Bus(), entity.WithID(fmt.Sprintf("child-%d", i)))
		require.NoError(t, child.SetParent(app))
	}
	// Children without effectors are left alone
	require.NoError(t, entity.New(entity.WithID("plain")).SetParent(app))
	require.NoError(t, c.Manage(app))
	return app
}

func TestApplication_StartStop(t *testing.T) {
	c := newContext(t)
	first, second := &fakeDriver{}, &fakeDriver{}
	app := application(t, c, first, second)

	require.NoError(t, invoke(t, c, "app", StartEffector, map[string]any{LocationsParameter: []string{"localhost"}}))
	assert.Equal(t, []string{"install", "customize", "launch"}, first.Calls())
	assert.Equal(t, []string{"install", "customize", "launch"}, second.Calls())
	for _, child := range app.Children()[:2] {
		assert.Equal(t, lifecycle.Running, actual(child), child.ID())
		require.Len(t, child.Locations(), 1)
	}
	assert.True(t, up(app))
	assert.Equal(t, lifecycle.Running, actual(app))

	require.NoError(t, invoke(t, c, "app", StopEffector, nil))
	for _, child := range app.Children()[:2] {
		assert.Equal(t, lifecycle.Stopped, actual(child), child.ID())
	}
	assert.False(t, up(app))
	assert.Equal(t, lifecycle.Stopped, actual(app))
}

func TestApplication_StartFailure(t *testing.T) {
	c := newContext(t)
	good, bad := &fakeDriver{}, &fakeDriver{launchErr: fmt.Errorf("boom")}
	app := application(t, c, good, bad)

	err := invoke(t, c, "app", StartEffector, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, lifecycle.OnFire, actual(app))

	bad1, ok := c.Lookup("child-1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.OnFire, actual(bad1))
}

func TestApplication_StopCollectsFailures(t *testing.T) {
	c := newContext(t)
	good, bad := &fakeDriver{}, &fakeDriver{}
	app := application(t, c, good, bad)
	require.NoError(t, invoke(t, c, "app", StartEffector, nil))

	bad.mutex.Lock()
	bad.stopErr = fmt.Errorf("stuck")
	bad.mutex.Unlock()

	err := invoke(t, c, "app", StopEffector, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.Contains(t, err.Error(), "child-1")
	assert.Equal(t, lifecycle.OnFire, actual(app))

	// The healthy child was still stopped
	assert.Equal(t, []string{"install", "customize", "launch", "stop"}, good.Calls())
	child0, _ := c.Lookup("child-0")
	assert.Equal(t, lifecycle.Stopped, actual(child0))
}
