package dispatch

import (
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/loykin/chatvisor/internal/env"
	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/terminal"
)

const (
	DefaultSystemNewTimeout   = 20 * time.Second
	DefaultHeadlessNewTimeout = 15 * time.Second
	DefaultExistingTimeout    = 8 * time.Second
	DefaultPendingGrace       = 3 * time.Second
	DefaultSubcommand         = "chat"
)

// Options configures how workers are started and waited for.
type Options struct {
	Runtime     string
	CLIPath     string
	Subcommand  string
	DefaultMode run.Mode
	GOOS        string

	SystemNewTimeout   time.Duration
	HeadlessNewTimeout time.Duration
	ExistingTimeout    time.Duration
	PendingGrace       time.Duration
	KillGrace          time.Duration
}

func (o *Options) applyDefaults() {
	if o.Subcommand == "" {
		o.Subcommand = DefaultSubcommand
	}
	if o.DefaultMode == "" {
		o.DefaultMode = run.ModeAuto
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	if o.SystemNewTimeout <= 0 {
		o.SystemNewTimeout = DefaultSystemNewTimeout
	}
	if o.HeadlessNewTimeout <= 0 {
		o.HeadlessNewTimeout = DefaultHeadlessNewTimeout
	}
	if o.ExistingTimeout <= 0 {
		o.ExistingTimeout = DefaultExistingTimeout
	}
	if o.PendingGrace <= 0 {
		o.PendingGrace = DefaultPendingGrace
	}
	if o.KillGrace <= 0 {
		o.KillGrace = process.DefaultGrace
	}
}

// Spawner starts a headless worker.
type Spawner func(spec process.SpawnSpec) (run.Process, error)

func spawnProcess(spec process.SpawnSpec) (run.Process, error) {
	c, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OutputFunc returns the writers a headless worker's stdout and stderr go
// to. Nil writers discard the stream.
type OutputFunc func(runID string) (stdout, stderr io.WriteCloser)

// Watcher is started whenever a run becomes tracked.
type Watcher interface {
	Ensure()
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithLauncher(l terminal.Launcher) Option { return func(d *Dispatcher) { d.launcher = l } }
func WithSpawner(s Spawner) Option            { return func(d *Dispatcher) { d.spawn = s } }
func WithOutput(fn OutputFunc) Option         { return func(d *Dispatcher) { d.output = fn } }
func WithWatcher(w Watcher) Option            { return func(d *Dispatcher) { d.watcher = w } }
func WithLogger(l *slog.Logger) Option        { return func(d *Dispatcher) { d.logger = l } }
func WithEnv(e *env.Env) Option               { return func(d *Dispatcher) { d.env = e } }
func WithExporter(x *history.Exporter) Option { return func(d *Dispatcher) { d.export = x } }

// WithIDGenerator replaces uuid generation of run ids.
func WithIDGenerator(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }
