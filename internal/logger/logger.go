package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the supervisor logs and, optionally, where
// headless worker output is captured. Rotation follows lumberjack semantics.
type Config struct {
	Level string // debug, info, warn, error (default info)
	File  string // JSON log file; empty logs text to stderr
	Color bool   // ANSI level colors for stderr output

	// WorkerDir captures headless worker output as <run>.stdout.log and
	// <run>.stderr.log. Empty discards it.
	WorkerDir string

	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // gzip rotated files
}

// ParseLevel maps a level name to slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the supervisor logger.
func New(cfg Config) *slog.Logger {
	return slog.New(cfg.Handler(os.Stderr))
}

// Handler returns the handler New would use, writing text to w when no
// file is configured.
func (c Config) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if c.File != "" {
		return slog.NewJSONHandler(c.rotating(c.File), opts)
	}
	if c.Color {
		return NewColorTextHandler(w, opts, true)
	}
	return slog.NewTextHandler(w, opts)
}

// WorkerWriters returns rotated stdout and stderr writers for a run, or
// nils when worker output is not captured.
func (c Config) WorkerWriters(runID string) (io.WriteCloser, io.WriteCloser) {
	if c.WorkerDir == "" || runID == "" {
		return nil, nil
	}
	out := c.rotating(filepath.Join(c.WorkerDir, runID+".stdout.log"))
	errW := c.rotating(filepath.Join(c.WorkerDir, runID+".stderr.log"))
	return out, errW
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
