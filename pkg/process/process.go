// Package process launches and terminates local operating system processes.
package process

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

// ExecutionConfig describes a process to launch
type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path" toml:"executable_path"`
	Args             []string      `yaml:"args,omitempty" toml:"args"`
	Environment      []string      `yaml:"environment,omitempty" toml:"environment"`
	WorkingDirectory string        `yaml:"working_directory,omitempty" toml:"working_directory"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty" toml:"wait_delay"`
}

// Validate checks the configuration without touching the filesystem
func (c ExecutionConfig) Validate() error {
	if c.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}
	if c.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}
	return nil
}

// Handle is a running process started by Start
type Handle struct {
	cmd    *exec.Cmd
	logger logging.Logger

	done    chan struct{}
	exitErr error
}

// Start launches the process. Its merged stdout and stderr are written line
// by line to the logger until it exits.
func Start(ctx context.Context, cfg ExecutionConfig, logger logging.Logger) (*Handle, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.ExecutablePath); err != nil {
		return nil, errors.NewIOError("executable not found", err).WithContext("executable_path", cfg.ExecutablePath)
	}

	workDir := cfg.WorkingDirectory
	if workDir == "" {
		if abs, err := filepath.Abs(cfg.ExecutablePath); err == nil && filepath.IsAbs(cfg.ExecutablePath) {
			workDir = filepath.Dir(abs)
		}
	}

	cmd := exec.CommandContext(ctx, cfg.ExecutablePath, cfg.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), cfg.Environment...)
	cmd.WaitDelay = cfg.WaitDelay
	setupProcessAttributes(cmd)

	output, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewIOError("failed to create stdout pipe", err).WithContext("executable_path", cfg.ExecutablePath)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.NewIOError("failed to start the process", err).WithContext("executable_path", cfg.ExecutablePath)
	}
	logger.Infof("Started process, executable: %s, PID: %d", cfg.ExecutablePath, cmd.Process.Pid)

	h := &Handle{cmd: cmd, logger: logger, done: make(chan struct{})}
	go h.collect(output)
	return h, nil
}

func (h *Handle) collect(output io.Reader) {
	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		h.logger.Infof("[%d] %s", h.PID(), scanner.Text())
	}
	h.exitErr = h.cmd.Wait()
	h.logger.Infof("Process PID %d exited: %v", h.PID(), h.exitErr)
	close(h.done)
}

// PID returns the operating system process ID
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its exit error
func (h *Handle) Wait() error {
	<-h.done
	return h.exitErr
}

// Terminate asks the process to stop, then kills it after grace
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := sendTerminationSignal(h.PID()); err != nil {
		h.logger.Warnf("Failed to signal PID %d, killing: %v", h.PID(), err)
		_ = h.cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.logger.Warnf("Process PID %d did not stop within %v, killing", h.PID(), grace)
		if err := h.cmd.Process.Kill(); err != nil {
			return errors.NewIOError("failed to kill process", err).WithContext("pid", h.PID())
		}
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		<-h.done
		return errors.NewCancelledError("terminate cancelled", ctx.Err())
	}
	<-h.done
	return nil
}

// IsRunning reports whether a process with pid exists
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	return isRunning(pid)
}
