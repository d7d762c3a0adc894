//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// groupsSupported is true where negative pids address a whole process group.
const groupsSupported = true

// sendSignal sends a signal to a single Unix process
func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// sendGroupSignal sends a signal to every member of process group pgid
func sendGroupSignal(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}

// probe checks whether pid exists. EPERM means the process exists but belongs
// to someone we may not signal.
func probe(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
