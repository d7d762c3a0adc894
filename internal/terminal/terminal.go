// Package terminal opens run workers inside a visible OS terminal window.
//
// A launcher materializes a script under the terminals directory and asks
// the platform to execute it. Launch reports only whether the OS accepted
// the request; whether the worker actually came up is learned from its
// status file.
package terminal

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Request describes one worker to open in a terminal.
type Request struct {
	RunID        string
	Cwd          string
	Runtime      string
	CLIPath      string
	Subcommand   string
	SessionRoot  string
	TerminalsDir string
	Env          map[string]string
}

// Launcher opens a worker in a terminal window.
type Launcher interface {
	Launch(ctx context.Context, req Request) bool
}

// Family is the launch strategy for an OS family.
type Family int

const (
	Unsupported Family = iota
	Posix
	Windows
)

func (f Family) String() string {
	switch f {
	case Posix:
		return "posix"
	case Windows:
		return "windows"
	default:
		return "unsupported"
	}
}

// FamilyFor maps a GOOS value to its launch family.
func FamilyFor(goos string) Family {
	switch goos {
	case "darwin":
		return Posix
	case "windows":
		return Windows
	default:
		return Unsupported
	}
}

// Runner executes an external command to completion.
type Runner func(ctx context.Context, name string, args ...string) error

const launchTimeout = 10 * time.Second

func execRunner(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Run()
}

type options struct {
	run    Runner
	logger *slog.Logger
}

// Option configures a launcher.
type Option func(*options)

// WithRunner replaces the command executor.
func WithRunner(r Runner) Option { return func(o *options) { o.run = r } }

// WithLogger sets the launcher logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New returns the launcher for family.
func New(family Family, opts ...Option) Launcher {
	o := options{run: execRunner, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	switch family {
	case Posix:
		return &posixLauncher{opts: o}
	case Windows:
		return &windowsLauncher{opts: o}
	default:
		return unsupportedLauncher{}
	}
}

type unsupportedLauncher struct{}

func (unsupportedLauncher) Launch(context.Context, Request) bool { return false }

const (
	posixExt   = ".launch.command"
	windowsExt = ".launch.cmd"
)

// ScriptPath returns the launch script location for runID under dir.
func ScriptPath(dir, runID string, family Family) string {
	ext := posixExt
	if family == Windows {
		ext = windowsExt
	}
	return filepath.Join(dir, runID+ext)
}

// Cleanup removes launch scripts left behind for runID.
func Cleanup(terminalsDir, runID string) error {
	for _, ext := range []string{posixExt, windowsExt} {
		if err := os.Remove(filepath.Join(terminalsDir, runID+ext)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type envPair struct{ key, value string }

// workerEnv is the ordered environment a terminal worker is started with.
func workerEnv(req Request) []envPair {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		if envName.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]envPair, 0, len(keys)+4)
	for _, k := range keys {
		out = append(out, envPair{k, req.Env[k]})
	}
	return append(out,
		envPair{"SESSION_ROOT", req.SessionRoot},
		envPair{"RUN_ID", req.RunID},
		envPair{"UI_BRIDGE", "1"},
		envPair{"DISABLE_INK", "1"},
	)
}

func subcommand(req Request) string {
	if req.Subcommand == "" {
		return "chat"
	}
	return req.Subcommand
}

func writeScript(path string, body []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(path, body, mode); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, mode)
}
