package entities

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/enrichers"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/process"
	"github.com/core-tools/hsu-mgmt/pkg/processfile"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// ProcessDriver runs a software process as a local operating system process.
// An exit that was not requested by Stop raises the process not-up indicator.
type ProcessDriver struct {
	execution process.ExecutionConfig
	grace     time.Duration
	pidFiles  *processfile.Manager

	mutex    sync.Mutex
	handle   *process.Handle
	stopping bool
}

// NewProcessDriver creates a driver for execution; grace bounds Stop before a kill
func NewProcessDriver(execution process.ExecutionConfig, grace time.Duration) *ProcessDriver {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &ProcessDriver{execution: execution, grace: grace}
}

// WithPIDFiles records the PID of each launched process under the entity ID
func (d *ProcessDriver) WithPIDFiles(pidFiles *processfile.Manager) *ProcessDriver {
	d.pidFiles = pidFiles
	return d
}

// Install validates the execution config; binaries are expected in place
func (d *ProcessDriver) Install(_ context.Context, _ *entity.Entity) error {
	return d.execution.Validate()
}

func (d *ProcessDriver) Customize(_ context.Context, _ *entity.Entity) error {
	return nil
}

// Launch starts the process; it outlives the launching task
func (d *ProcessDriver) Launch(_ context.Context, e *entity.Entity) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.handle != nil {
		select {
		case <-d.handle.Done():
		default:
			return errors.NewConflictError("process already running", nil).WithContext("pid", d.handle.PID())
		}
	}

	handle, err := process.Start(context.Background(), d.execution, e.Logger())
	if err != nil {
		return err
	}
	d.handle = handle
	d.stopping = false
	e.SetAttribute(sensors.PID, handle.PID())
	if d.pidFiles != nil {
		if err := d.pidFiles.WritePIDFile(e.ID(), handle.PID()); err != nil {
			e.Logger().Warnf("Failed to write PID file: %v", err)
		}
	}
	go d.watch(e, handle)
	return nil
}

func (d *ProcessDriver) watch(e *entity.Entity, handle *process.Handle) {
	err := handle.Wait()

	d.mutex.Lock()
	expected := d.stopping || d.handle != handle
	d.mutex.Unlock()
	if expected {
		return
	}
	d.removePIDFile(e)
	reason := "Process exited"
	if err != nil {
		reason = "Process exited: " + err.Error()
	}
	e.Logger().Warnf("%s", reason)
	enrichers.UpdateNotUpIndicator(e, processIndicator, reason)
}

func (d *ProcessDriver) IsRunning(_ context.Context, _ *entity.Entity) (bool, error) {
	d.mutex.Lock()
	handle := d.handle
	d.mutex.Unlock()
	if handle == nil {
		return false, nil
	}
	select {
	case <-handle.Done():
		return false, nil
	default:
	}
	return process.IsRunning(handle.PID())
}

// Stop terminates the process if one is running
func (d *ProcessDriver) Stop(ctx context.Context, e *entity.Entity) error {
	d.mutex.Lock()
	handle := d.handle
	d.stopping = true
	d.mutex.Unlock()
	if handle == nil {
		return nil
	}
	if err := handle.Terminate(ctx, d.grace); err != nil {
		return err
	}
	e.RemoveAttribute(sensors.PID)
	d.removePIDFile(e)
	return nil
}

func (d *ProcessDriver) removePIDFile(e *entity.Entity) {
	if d.pidFiles == nil {
		return
	}
	if err := d.pidFiles.RemovePIDFile(e.ID()); err != nil {
		e.Logger().Warnf("Failed to remove PID file: %v", err)
	}
}
