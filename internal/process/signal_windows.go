//go:build windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// Windows has no process groups addressable by negative pid.
const groupsSupported = false

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

var errNoSuchProcess = errors.New("no such process")

// sendSignal terminates a Windows process by PID. Windows has no signals, so
// every non-zero signal maps to TerminateProcess; signal 0 is an existence check.
func sendSignal(pid int, sig syscall.Signal) error {
	if sig == 0 {
		if probe(pid) {
			return nil
		}
		return errNoSuchProcess
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}

func sendGroupSignal(pgid int, sig syscall.Signal) error {
	return errors.New("process groups are not supported on windows")
}

// probe opens the process for query access. ACCESS_DENIED means it exists.
func probe(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
