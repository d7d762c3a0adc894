// Package chatvisor supervises chat worker processes that talk to it
// through per-run status and control files.
//
// Supervisor side: LoadConfig, NewSupervisor, Supervisor.Serve.
// Worker side: NewStatusWriter reports state, NewControlTailer follows
// the messages the supervisor dispatches.
package chatvisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/chatvisor/internal/config"
	"github.com/loykin/chatvisor/internal/control"
	"github.com/loykin/chatvisor/internal/dispatch"
	"github.com/loykin/chatvisor/internal/env"
	"github.com/loykin/chatvisor/internal/health"
	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/history/factory"
	"github.com/loykin/chatvisor/internal/metrics"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/internal/run"
	iapi "github.com/loykin/chatvisor/internal/server"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Request = dispatch.Request

type Outcome = dispatch.Outcome

type RunView = dispatch.RunView

type Event = run.Event

type Mode = run.Mode

type State = status.State

type StatusWriter = status.Writer

type ControlTailer = control.Tailer

type ControlEntry = control.Entry

const (
	ModeAuto     = run.ModeAuto
	ModeHeadless = run.ModeHeadless
	ModeSystem   = run.ModeSystem

	StateIdle    = status.StateIdle
	StateRunning = status.StateRunning
	StateExited  = status.StateExited
)

var (
	ErrEmptyText    = dispatch.ErrEmptyText
	ErrInvalidRunID = session.ErrInvalidRunID
	// ErrNoWorkerCLI is returned by NewSupervisor when worker.cli_path is unset.
	ErrNoWorkerCLI = errors.New("chatvisor: worker.cli_path is not configured")
	// ErrNotWorker is returned by WorkerFromEnv outside a supervised worker.
	ErrNotWorker = errors.New("chatvisor: SESSION_ROOT and RUN_ID are not set")
)

const shutdownTimeout = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// Supervisor wires dispatch, health checking, lifecycle export and the
// HTTP API for one session root.
type Supervisor struct {
	cfg    *Config
	logger *slog.Logger
	disp   *dispatch.Dispatcher
	health *health.Checker
	export *history.Exporter
}

func NewSupervisor(c *Config, logger *slog.Logger) (*Supervisor, error) {
	if c.Worker.CLIPath == "" {
		return nil, ErrNoWorkerCLI
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerEnv, err := c.WorkerEnv()
	if err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	export := history.NewExporter(logger, sinks...)

	layout := session.NewLayout(c.Session.Root, c.Session.TerminalsDir)
	reg, bus := run.NewRegistry(), run.NewBus()
	hc := health.New(layout, reg, bus, health.Options{
		Interval:        c.Health.Interval,
		PendingTTL:      c.Health.PendingTTL,
		SampleResources: c.Health.SampleResources,
	}, health.WithLogger(logger), health.WithExporter(export))

	opts := []dispatch.Option{
		dispatch.WithWatcher(hc),
		dispatch.WithLogger(logger),
		dispatch.WithEnv(workerEnv),
		dispatch.WithExporter(export),
	}
	if lc := c.Logger(); lc.WorkerDir != "" {
		opts = append(opts, dispatch.WithOutput(lc.WorkerWriters))
	}
	d := dispatch.New(layout, reg, bus, dispatch.Options{
		Runtime:            c.Worker.Runtime,
		CLIPath:            c.Worker.CLIPath,
		Subcommand:         c.Worker.Subcommand,
		DefaultMode:        c.Mode(),
		SystemNewTimeout:   c.Launch.SystemNewTimeout,
		HeadlessNewTimeout: c.Launch.HeadlessNewTimeout,
		ExistingTimeout:    c.Launch.ExistingTimeout,
		PendingGrace:       c.Launch.PendingGrace,
		KillGrace:          c.Launch.KillGrace,
	}, opts...)

	return &Supervisor{cfg: c, logger: logger, disp: d, health: hc, export: export}, nil
}

func (s *Supervisor) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	return s.disp.Dispatch(ctx, req)
}
func (s *Supervisor) View(runID string) (RunView, error) { return s.disp.View(runID) }
func (s *Supervisor) List() []RunView                    { return s.disp.List() }
func (s *Supervisor) Stop(ctx context.Context, runID string, hard bool) error {
	return s.disp.Stop(ctx, runID, hard)
}
func (s *Supervisor) Bus() *run.Bus { return s.disp.Bus() }

// Subscribe delivers run events until cancel is called.
func (s *Supervisor) Subscribe(buf int) (<-chan Event, func()) { return s.disp.Bus().Subscribe(buf) }

// Handler returns the HTTP API.
func (s *Supervisor) Handler() http.Handler {
	opts := []iapi.Option{iapi.WithLogger(s.logger)}
	if s.cfg.Metrics.Enabled {
		opts = append(opts, iapi.WithMetrics())
	}
	return iapi.NewRouter(s, s.cfg.Server.BasePath, opts...).Handler()
}

// Start binds health checking to ctx and adopts runs a previous
// supervisor left alive.
func (s *Supervisor) Start(ctx context.Context) {
	s.health.Bind(ctx)
	if s.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			s.logger.Warn("metrics registration failed", "error", err)
		}
	}
	s.disp.Adopt()
}

// Serve starts the supervisor and its HTTP API and blocks until ctx is
// done or the listener fails.
func (s *Supervisor) Serve(ctx context.Context) error {
	s.Start(ctx)
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	srv := iapi.NewServer(s.cfg.Server.Listen, s.Handler())
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving", "addr", ln.Addr().String(), "base", s.cfg.Server.BasePath, "session", s.cfg.Session.Root)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close flushes lifecycle export sinks.
func (s *Supervisor) Close() error { return s.export.Close() }

// WorkerFromEnv returns the session root and run id a supervised worker
// was started with.
func WorkerFromEnv() (sessionRoot, runID string, err error) {
	sessionRoot, runID = os.Getenv(env.KeySessionRoot), os.Getenv(env.KeyRunID)
	if sessionRoot == "" || runID == "" {
		return "", "", ErrNotWorker
	}
	if err := session.ValidateRunID(runID); err != nil {
		return "", "", err
	}
	return sessionRoot, runID, nil
}

// NewStatusWriter returns the status reporter for the calling worker
// process.
func NewStatusWriter(sessionRoot, runID string) *StatusWriter {
	return status.NewWriter(session.NewLayout(sessionRoot, ""), runID, os.Getpid())
}

// NewControlTailer follows the control log of runID from its start.
func NewControlTailer(sessionRoot, runID string, logger *slog.Logger) *ControlTailer {
	return control.NewTailer(session.NewLayout(sessionRoot, "").ControlFile(runID), logger)
}

// ProcessTree returns roots and their descendants, deepest first.
func ProcessTree(roots []int) []int { return process.ListProcessTree(roots) }

// TerminateTree stops roots and all their descendants, escalating to a
// kill after grace.
func TerminateTree(ctx context.Context, roots []int, grace time.Duration) []error {
	return process.TerminateTree(ctx, roots, grace)
}
