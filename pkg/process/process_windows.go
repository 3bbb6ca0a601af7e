//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const (
	stillActive                    = 259
	processQueryLimitedInformation = 0x1000
)

// setupProcessAttributes isolates the child in a new process group so it can
// receive Ctrl+Break without affecting this process
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// sendTerminationSignal sends Ctrl+Break to the process group
func sendTerminationSignal(pid int) error {
	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return err
	}
	defer dll.Release()

	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}
	result, _, err := proc.Call(uintptr(syscall.CTRL_BREAK_EVENT), uintptr(pid))
	if result == 0 {
		return err
	}
	return nil
}

func isRunning(pid int) (bool, error) {
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false, nil
	}
	defer syscall.CloseHandle(handle)

	var exitCode uint32
	if err := syscall.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, err
	}
	return exitCode == stillActive, nil
}
