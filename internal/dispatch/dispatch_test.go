package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/chatvisor/internal/control"
	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
	"github.com/loykin/chatvisor/internal/terminal"
)

// deadPID is above any kernel pid_max.
const deadPID = 99999999

type fakeProc struct {
	pid  int
	done chan struct{}
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

// fakeSpawner records spawns and, when ready is set, reports an idle
// status for the spawned run as a real worker would.
type fakeSpawner struct {
	layout session.Layout
	ready  bool
	err    error

	mu    sync.Mutex
	specs []process.SpawnSpec
	procs []*fakeProc
}

func (f *fakeSpawner) spawn(spec process.SpawnSpec) (run.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProc{pid: os.Getpid(), done: make(chan struct{})}
	f.procs = append(f.procs, p)
	if f.ready {
		runID := envValue(spec.Env, "RUN_ID")
		go func() {
			time.Sleep(20 * time.Millisecond)
			status.NewWriter(f.layout, runID, os.Getpid()).Write(status.StateIdle, "")
		}()
	}
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type fakeLauncher struct {
	layout session.Layout
	accept bool
	ready  bool

	mu   sync.Mutex
	reqs []terminal.Request
}

func (f *fakeLauncher) Launch(_ context.Context, req terminal.Request) bool {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.accept && f.ready {
		go func() {
			time.Sleep(20 * time.Millisecond)
			status.NewWriter(f.layout, req.RunID, os.Getpid()).Write(status.StateIdle, "")
		}()
	}
	return f.accept
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:]
		}
	}
	return ""
}

type fixture struct {
	layout   session.Layout
	reg      *run.Registry
	bus      *run.Bus
	spawner  *fakeSpawner
	launcher *fakeLauncher
	d        *Dispatcher
}

func newFixture(t *testing.T, goos string) *fixture {
	t.Helper()
	layout := session.NewLayout(t.TempDir(), "")
	f := &fixture{
		layout:   layout,
		reg:      run.NewRegistry(),
		bus:      run.NewBus(),
		spawner:  &fakeSpawner{layout: layout, ready: true},
		launcher: &fakeLauncher{layout: layout, accept: true, ready: true},
	}
	ids := 0
	f.d = New(layout, f.reg, f.bus, Options{
		Runtime:            "/usr/bin/node",
		CLIPath:            "/opt/cli.js",
		GOOS:               goos,
		SystemNewTimeout:   2 * time.Second,
		HeadlessNewTimeout: 2 * time.Second,
		ExistingTimeout:    2 * time.Second,
		PendingGrace:       50 * time.Millisecond,
	},
		WithSpawner(f.spawner.spawn),
		WithLauncher(f.launcher),
		WithIDGenerator(func() string { ids++; return "gen-" + string(rune('0'+ids)) }),
	)
	f.d.status.SetPollInterval(10 * time.Millisecond)
	return f
}

func (f *fixture) writeStatus(t *testing.T, runID string, pid int, state status.State, msg string, at time.Time) {
	t.Helper()
	res := status.WriteRecord(f.layout.StatusFile(runID), status.Record{
		RunID: runID, PID: pid, State: state, CurrentMessage: msg, UpdatedAt: at,
	})
	require.True(t, res.Written, "seed status: %v", res.Err)
}

func (f *fixture) controlLog(t *testing.T, runID string) []control.Entry {
	t.Helper()
	entries, err := control.ReadAll(f.layout.ControlFile(runID))
	require.NoError(t, err)
	return entries
}

func TestDispatch_RejectsProgrammerErrors(t *testing.T) {
	f := newFixture(t, "linux")
	_, err := f.d.Dispatch(context.Background(), Request{Text: "  ", RunID: "r1"})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "../etc"})
	assert.ErrorIs(t, err, session.ErrInvalidRunID)
	assert.Zero(t, f.spawner.count())
}

func TestDispatch_NewHeadlessRun(t *testing.T) {
	f := newFixture(t, "linux")
	events, cancel := f.bus.Subscribe(8)
	defer cancel()

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", Cwd: "/work"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{OK: true, RunID: "gen-1", Created: true}, out)

	require.Equal(t, 1, f.spawner.count())
	spec := f.spawner.specs[0]
	assert.Equal(t, "/usr/bin/node", spec.Path)
	assert.Equal(t, []string{"/opt/cli.js", "chat"}, spec.Args)
	assert.Equal(t, "/work", spec.Dir)
	assert.True(t, spec.Detached)
	assert.Equal(t, f.layout.Root(), envValue(spec.Env, "SESSION_ROOT"))
	assert.Equal(t, "gen-1", envValue(spec.Env, "RUN_ID"))
	assert.Equal(t, "1", envValue(spec.Env, "UI_BRIDGE"))
	assert.Empty(t, envValue(spec.Env, "DISABLE_INK"))
	assert.Zero(t, f.launcher.count())

	log := f.controlLog(t, "gen-1")
	require.Len(t, log, 1)
	assert.Equal(t, control.TypeMessage, log[0].Type)
	assert.Equal(t, "hi", log[0].Text)

	l, ok := history.NewRunLog(f.layout.HistoryFile()).Latest("gen-1")
	require.True(t, ok)
	assert.Equal(t, "/work", l.WorkspaceRoot)
	assert.Equal(t, "headless", l.Mode)

	select {
	case e := <-events:
		assert.Equal(t, run.EventLaunched, e.Kind)
		assert.Equal(t, "gen-1", e.RunID)
	default:
		t.Fatal("no launched event")
	}
	assert.Equal(t, 1, f.reg.TrackedCount())
}

func TestDispatch_BusyNeverTouchesControlLog(t *testing.T) {
	f := newFixture(t, "linux")
	f.writeStatus(t, "r1", os.Getpid(), status.StateRunning, "thinking", time.Now())

	for i := 0; i < 3; i++ {
		out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1"})
		require.NoError(t, err)
		assert.False(t, out.OK)
		assert.Equal(t, ReasonBusy, out.Reason)
		assert.Equal(t, "thinking", out.CurrentMessage)
		assert.NotEmpty(t, out.Message)
		assert.False(t, out.Created)
	}
	_, err := os.Stat(f.layout.ControlFile("r1"))
	assert.True(t, os.IsNotExist(err), "busy dispatch created the control log")
	assert.Zero(t, f.spawner.count())
}

func TestDispatch_ForceStopsBeforeMessage(t *testing.T) {
	f := newFixture(t, "linux")
	f.writeStatus(t, "r1", os.Getpid(), status.StateRunning, "thinking", time.Now())

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1", Force: true})
	require.NoError(t, err)
	assert.True(t, out.OK)

	log := f.controlLog(t, "r1")
	require.Len(t, log, 2)
	assert.Equal(t, control.TypeStop, log[0].Type)
	assert.Equal(t, control.TypeMessage, log[1].Type)
	assert.Equal(t, "hi", log[1].Text)
}

func TestDispatch_ForceOnIdleRunSendsOnlyMessage(t *testing.T) {
	f := newFixture(t, "linux")
	f.writeStatus(t, "r1", os.Getpid(), status.StateIdle, "", time.Now())

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1", Force: true})
	require.NoError(t, err)
	assert.True(t, out.OK)
	log := f.controlLog(t, "r1")
	require.Len(t, log, 1)
	assert.Equal(t, control.TypeMessage, log[0].Type)
}

func TestDispatch_ExitedStatusWithReusedLivePidRelaunches(t *testing.T) {
	f := newFixture(t, "linux")
	// the pid is alive (it is ours) but the record says the worker exited
	f.writeStatus(t, "r1", os.Getpid(), status.StateExited, "", time.Now().Add(-time.Hour))

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{OK: true, RunID: "r1", Created: false}, out)
	assert.Equal(t, 1, f.spawner.count())
}

func TestDispatch_DeadIdleRunRelaunches(t *testing.T) {
	f := newFixture(t, "linux")
	f.writeStatus(t, "r1", deadPID, status.StateIdle, "", time.Now().Add(-time.Minute))

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.Created)
	assert.Equal(t, 1, f.spawner.count())
	assert.Len(t, f.controlLog(t, "r1"), 1)
}

func TestDispatch_SystemTerminalLaunch(t *testing.T) {
	f := newFixture(t, "darwin")

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1", Cwd: "/ws"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Zero(t, f.spawner.count())
	require.Equal(t, 1, f.launcher.count())

	req := f.launcher.reqs[0]
	assert.Equal(t, "r1", req.RunID)
	assert.Equal(t, "/ws", req.Cwd)
	assert.Equal(t, "chat", req.Subcommand)
	assert.Equal(t, f.layout.Root(), req.SessionRoot)
	assert.Equal(t, f.layout.TerminalsDir(), req.TerminalsDir)
	assert.False(t, f.reg.Pending("r1"), "pending cleared once the worker reported")
}

func TestDispatch_SystemLaunchFailureFallsBackToHeadless(t *testing.T) {
	f := newFixture(t, "windows")
	f.launcher.accept = false

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, 1, f.launcher.count())
	assert.Equal(t, 1, f.spawner.count())
}

func TestDispatch_ExplicitModeOverridesPlatform(t *testing.T) {
	f := newFixture(t, "darwin")
	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", Mode: run.ModeHeadless})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Zero(t, f.launcher.count())
	assert.Equal(t, 1, f.spawner.count())
}

func TestDispatch_NotReadyCarriesHint(t *testing.T) {
	f := newFixture(t, "darwin")
	f.launcher.ready = false
	f.d.opts.SystemNewTimeout = 100 * time.Millisecond
	f.d.opts.ExistingTimeout = 100 * time.Millisecond

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ReasonNotReady, out.Reason)
	assert.True(t, out.Created)
	assert.Contains(t, out.Message, "CHATVISOR_LAUNCH_MODE=headless")
	_, err = os.Stat(f.layout.ControlFile(out.RunID))
	assert.True(t, os.IsNotExist(err))

	// a pending terminal launch is not repeated
	_, err = f.d.Dispatch(context.Background(), Request{Text: "again", RunID: out.RunID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.launcher.count())
}

func TestDispatch_SpawnFailureIsNotReady(t *testing.T) {
	f := newFixture(t, "linux")
	f.spawner.err = errors.New("exec: no such file")

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotReady, out.Reason)
	assert.Contains(t, out.Message, "no such file")
}

func TestDispatch_UnmanagedLegacyWorker(t *testing.T) {
	f := newFixture(t, "linux")
	f.d.opts.ExistingTimeout = 100 * time.Millisecond
	require.NoError(t, f.d.RunLog().Append(history.Launch{
		RunID: "legacy", PID: os.Getpid(), StartedAt: time.Now().Add(time.Hour),
	}))

	out, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "legacy"})
	require.NoError(t, err)
	assert.Equal(t, ReasonUnmanaged, out.Reason)
	assert.Contains(t, out.Message, "close its terminal")
	assert.Zero(t, f.spawner.count(), "a live legacy worker must not get a twin")
}

func TestDispatch_CwdFromRunLog(t *testing.T) {
	f := newFixture(t, "linux")
	require.NoError(t, f.d.RunLog().Append(history.Launch{RunID: "r1", WorkspaceRoot: "/remembered", PID: deadPID}))

	_, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: "r1"})
	require.NoError(t, err)
	require.Equal(t, 1, f.spawner.count())
	assert.Equal(t, "/remembered", f.spawner.specs[0].Dir)
}

func TestEnsureRunning_LiveHandleIsReused(t *testing.T) {
	f := newFixture(t, "linux")
	f.spawner.ready = false

	l, err := f.d.EnsureRunning(context.Background(), "r1", EnsureOptions{})
	require.NoError(t, err)
	assert.True(t, l.Launched)
	assert.Equal(t, run.ModeHeadless, l.Mode)

	l, err = f.d.EnsureRunning(context.Background(), "r1", EnsureOptions{})
	require.NoError(t, err)
	assert.False(t, l.Launched)
	assert.Equal(t, 1, f.spawner.count())
}

func TestExitObserverClearsHandle(t *testing.T) {
	f := newFixture(t, "linux")
	f.spawner.ready = false
	events, cancel := f.bus.Subscribe(8)
	defer cancel()

	_, err := f.d.EnsureRunning(context.Background(), "r1", EnsureOptions{})
	require.NoError(t, err)
	<-events // launched

	close(f.spawner.procs[0].done)
	select {
	case e := <-events:
		assert.Equal(t, run.EventExited, e.Kind)
		assert.Equal(t, "r1", e.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("no exited event")
	}
	_, ok := f.reg.LiveHandle("r1")
	assert.False(t, ok)
}

func TestStop_SoftAppendsStop(t *testing.T) {
	f := newFixture(t, "linux")
	require.NoError(t, f.d.Stop(context.Background(), "r1", false))
	log := f.controlLog(t, "r1")
	require.Len(t, log, 1)
	assert.Equal(t, control.TypeStop, log[0].Type)

	assert.ErrorIs(t, f.d.Stop(context.Background(), "", false), session.ErrInvalidRunID)
}

func TestView(t *testing.T) {
	f := newFixture(t, "linux")
	f.writeStatus(t, "a", os.Getpid(), status.StateRunning, "x", time.Now())
	f.writeStatus(t, "b", deadPID, status.StateIdle, "", time.Now())

	views := f.d.List()
	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0].RunID)
	assert.True(t, views[0].Alive)
	require.NotNil(t, views[0].Status)
	assert.Equal(t, status.StateRunning, views[0].Status.State)
	assert.False(t, views[1].Alive)
}

type nopWriteCloser struct{ strings.Builder }

func (nopWriteCloser) Close() error { return nil }

func TestDispatch_HeadlessOutputWriters(t *testing.T) {
	f := newFixture(t, "linux")
	var asked []string
	out, errOut := &nopWriteCloser{}, &nopWriteCloser{}
	WithOutput(func(runID string) (io.WriteCloser, io.WriteCloser) {
		asked = append(asked, runID)
		return out, errOut
	})(f.d)

	o, err := f.d.Dispatch(context.Background(), Request{Text: "hi", Mode: run.ModeHeadless})
	require.NoError(t, err)
	require.True(t, o.OK)
	assert.Equal(t, []string{o.RunID}, asked)
	require.Equal(t, 1, f.spawner.count())
	assert.Same(t, out, f.spawner.specs[0].Stdout)
	assert.Same(t, errOut, f.spawner.specs[0].Stderr)
}

func TestAdopt_TracksLiveRunsOnly(t *testing.T) {
	f := newFixture(t, "linux")
	now := time.Now()
	f.writeStatus(t, "live", os.Getpid(), status.StateIdle, "", now)
	f.writeStatus(t, "done", os.Getpid(), status.StateExited, "", now)
	f.writeStatus(t, "dead", deadPID, status.StateRunning, "x", now)
	require.NoError(t, f.d.runs.Append(history.Launch{RunID: "live", WorkspaceRoot: "/w", PID: os.Getpid(), Mode: "headless", StartedAt: now}))

	assert.Equal(t, []string{"live"}, f.d.Adopt())
	tracked := f.reg.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, run.ModeHeadless, tracked[0].Mode)
	assert.Equal(t, "/w", tracked[0].WorkspaceRoot)

	assert.Empty(t, f.d.Adopt(), "already tracked runs are not adopted twice")
}

func TestStop_RootsSkipSupersededLaunchPID(t *testing.T) {
	f := newFixture(t, "linux")
	self := os.Getpid()
	// an earlier headless launch, then a terminal launch whose pid is unknown
	require.NoError(t, f.d.runs.Append(history.Launch{RunID: "r1", PID: self, Mode: "headless", StartedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, f.d.runs.Append(history.Launch{RunID: "r1", PID: 0, Mode: "system", StartedAt: time.Now().Add(2 * time.Second)}))

	assert.Empty(t, f.d.rootPIDs("r1", status.Record{}, false))
	assert.False(t, f.d.legacyAlive("r1"))
}

type closeCounter struct {
	strings.Builder
	closed int
}

func (c *closeCounter) Close() error { c.closed++; return nil }

func TestDispatch_SpawnFailureClosesOutput(t *testing.T) {
	f := newFixture(t, "linux")
	f.spawner.err = errors.New("exec format error")
	out, errOut := &closeCounter{}, &closeCounter{}
	WithOutput(func(string) (io.WriteCloser, io.WriteCloser) { return out, errOut })(f.d)

	o, err := f.d.Dispatch(context.Background(), Request{Text: "hi", Mode: run.ModeHeadless})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotReady, o.Reason)
	assert.Equal(t, 1, out.closed)
	assert.Equal(t, 1, errOut.closed)
}

func TestDispatch_ReadinessAllowance(t *testing.T) {
	const (
		systemNew   = 4 * time.Second
		headlessNew = 3 * time.Second
		existing    = 2 * time.Second
		grace       = time.Second
	)
	cases := []struct {
		name   string
		runID  string
		mode   run.Mode
		accept bool
		want   []time.Duration
	}{
		{"new run in a terminal", "", run.ModeSystem, true, []time.Duration{systemNew, grace}},
		{"new headless run", "", run.ModeHeadless, true, []time.Duration{headlessNew}},
		{"refused terminal falls back to headless", "", run.ModeSystem, false, []time.Duration{headlessNew}},
		{"existing headless run", "r1", run.ModeHeadless, true, []time.Duration{existing}},
		{"existing run in a terminal", "r1", run.ModeSystem, true, []time.Duration{existing, grace}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "linux")
			f.spawner.ready = false
			f.launcher.ready = false
			f.launcher.accept = tc.accept
			f.d.opts.SystemNewTimeout = systemNew
			f.d.opts.HeadlessNewTimeout = headlessNew
			f.d.opts.ExistingTimeout = existing
			f.d.opts.PendingGrace = grace
			if tc.runID != "" {
				f.writeStatus(t, tc.runID, deadPID, status.StateIdle, "", time.Now().Add(-time.Minute))
			}

			var got []time.Duration
			f.d.wait = func(_ context.Context, _ string, timeout time.Duration, since time.Time) (status.Record, bool) {
				assert.False(t, since.IsZero(), "a fresh launch waits only for newer records")
				got = append(got, timeout)
				return status.Record{}, false
			}

			o, err := f.d.Dispatch(context.Background(), Request{Text: "hi", RunID: tc.runID, Mode: tc.mode})
			require.NoError(t, err)
			assert.False(t, o.OK)
			assert.Equal(t, ReasonNotReady, o.Reason)
			assert.Equal(t, tc.want, got)
		})
	}
}
