//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes starts the child in its own process group so the
// whole tree can be signalled
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// sendTerminationSignal sends SIGTERM to the process group
func sendTerminationSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func isRunning(pid int) (bool, error) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, err
}
