package process

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDMeta follows the pid line of a PID file.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix,omitempty"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, pid int) error {
	meta, _ := json.Marshal(PIDMeta{StartUnix: StartTime(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	// #nosec G306
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads a file written by WritePIDFile. Files holding only a
// pid are accepted with empty metadata, as is unparsable metadata.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDMeta{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, PIDMeta{}, fmt.Errorf("pid file %s: %w", path, ErrInvalidPID)
	}
	var meta PIDMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// PIDFileAlive reports the pid recorded at path and whether that same
// process is still running. A live pid whose start time differs from the
// recorded one has been reused and does not count.
func PIDFileAlive(path string) (int, bool) {
	pid, meta, err := ReadPIDFile(path)
	if err != nil || !IsAlive(pid) {
		return pid, false
	}
	if meta.StartUnix != 0 {
		if cur := StartTime(pid); cur != 0 && absDiff(cur, meta.StartUnix) > 1 {
			return pid, false
		}
	}
	return pid, true
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
