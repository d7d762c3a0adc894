package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"time"
)

// IsAlive reports whether pid refers to a running process. A process we are
// not permitted to signal still counts as alive; a Linux zombie does not.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return probe(pid)
}

// StartTime returns when the process holding pid was started, as Unix
// seconds. Zero means unknown.
func StartTime(pid int) int64 { return startUnix(pid) }

// StartedAfter reports whether the process currently holding pid was started
// after t, i.e. pid has been recycled since t was observed. Unknown start
// times never count as recycled. One second of slack absorbs boot-time rounding.
func StartedAfter(pid int, t time.Time) bool {
	if t.IsZero() {
		return false
	}
	start := startUnix(pid)
	if start == 0 {
		return false
	}
	return start > t.Unix()+1
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
