package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrInvalidPID is collected when a signal is requested for a pid <= 0.
var ErrInvalidPID = errors.New("invalid pid")

// DefaultGrace is how long TerminateTree waits between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

func collect(errs *[]error, err error) {
	if errs != nil {
		*errs = append(*errs, err)
	}
}

// KillPID delivers sig to pid. It never returns an error: failures are
// appended to errs (when non-nil) and reported as false.
func KillPID(pid int, sig syscall.Signal, errs *[]error) bool {
	if pid <= 0 {
		collect(errs, fmt.Errorf("kill %d: %w", pid, ErrInvalidPID))
		return false
	}
	if err := sendSignal(pid, sig); err != nil {
		collect(errs, fmt.Errorf("kill %d (%v): %w", pid, sig, err))
		return false
	}
	return true
}

// KillProcessGroup delivers sig to every process in group pgid. It always
// returns false on platforms without process groups.
func KillProcessGroup(pgid int, sig syscall.Signal, errs *[]error) bool {
	if !groupsSupported {
		return false
	}
	if pgid <= 0 {
		collect(errs, fmt.Errorf("kill group %d: %w", pgid, ErrInvalidPID))
		return false
	}
	if err := sendGroupSignal(pgid, sig); err != nil {
		collect(errs, fmt.Errorf("kill group %d (%v): %w", pgid, sig, err))
		return false
	}
	return true
}

// TerminateTree stops roots and every descendant. Each root's process group
// gets SIGTERM first, then every live pid of the tree is signalled deepest
// first. Survivors of the grace period get the same treatment with SIGKILL.
// The supervisor's own pid is never signalled. Failures are returned, not raised.
func TerminateTree(ctx context.Context, roots []int, grace time.Duration) []error {
	self := os.Getpid()
	pids := make([]int, 0)
	for _, pid := range ListProcessTree(roots) {
		if pid != self {
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return nil
	}
	var errs []error
	signalTree(roots, pids, syscall.SIGTERM, self, &errs)
	if waitGone(ctx, pids, grace) {
		return errs
	}
	signalTree(roots, pids, syscall.SIGKILL, self, &errs)
	waitGone(ctx, pids, 500*time.Millisecond)
	return errs
}

func signalTree(roots, pids []int, sig syscall.Signal, self int, errs *[]error) {
	for _, r := range roots {
		// Only a group leader has pgid == pid; anything else fails with ESRCH.
		if r > 0 && r != self {
			KillProcessGroup(r, sig, nil)
		}
	}
	for _, pid := range pids {
		if IsAlive(pid) {
			KillPID(pid, sig, errs)
		}
	}
}

// waitGone polls until none of pids is alive or the timeout/context expires.
func waitGone(ctx context.Context, pids []int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if !anyAlive(pids) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !anyAlive(pids)
		case <-tick.C:
		}
	}
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if IsAlive(pid) {
			return true
		}
	}
	return false
}
