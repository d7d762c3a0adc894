package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/chatvisor"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/pkg/client"
)

// testDaemon serves a real supervisor over httptest. The test process
// itself plays a worker for run "w1".
func testDaemon(t *testing.T) (string, *chatvisor.StatusWriter) {
	t.Helper()
	cfg := &chatvisor.Config{}
	cfg.Session.Root = t.TempDir()
	cfg.Worker.Runtime = "node"
	cfg.Worker.CLIPath = "/opt/agent/cli.js"
	cfg.Launch.Mode = "headless"
	cfg.Launch.ExistingTimeout = time.Second
	cfg.Server.BasePath = "/api"
	sup, err := chatvisor.NewSupervisor(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })

	w := chatvisor.NewStatusWriter(cfg.Session.Root, "w1")
	require.True(t, w.Write(chatvisor.StateIdle, "").Written)

	srv := httptest.NewServer(sup.Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api", w
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "send", "chat", "status", "stop", "events", "tree"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("api-url"))
}

func TestSendStatusStop(t *testing.T) {
	api, w := testDaemon(t)

	out, err := execute(t, "--api-url", api, "send", "--run", "w1", "hello", "there")
	require.NoError(t, err, out)
	assert.Contains(t, out, "sent to run w1")

	require.True(t, w.Write(chatvisor.StateRunning, "thinking").Written)
	out, err = execute(t, "--api-url", api, "send", "--run", "w1", "again")
	assert.ErrorIs(t, err, errRejected)
	assert.Contains(t, out, "busy")
	assert.Contains(t, out, "(now: thinking)")

	out, err = execute(t, "--api-url", api, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "w1")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "alive")

	out, err = execute(t, "--api-url", api, "status", "w1")
	require.NoError(t, err)
	assert.Contains(t, out, `"runId": "w1"`)

	out, err = execute(t, "--api-url", api, "stop", "w1")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped w1")
}

func TestChatSession(t *testing.T) {
	api, w := testDaemon(t)
	var out bytes.Buffer
	s := &chatSession{cl: client.New(client.Config{BaseURL: api}), out: &out}
	ctx := context.Background()

	assert.False(t, s.handle(ctx, "/status"))
	assert.Contains(t, out.String(), "no run yet")

	assert.False(t, s.handle(ctx, "/run w1"))
	assert.Equal(t, "w1", s.runID())

	assert.False(t, s.handle(ctx, "first message"))
	assert.Contains(t, out.String(), "sent to run w1")

	require.True(t, w.Write(chatvisor.StateRunning, "busy with first").Written)
	assert.False(t, s.handle(ctx, "second"))
	assert.Contains(t, out.String(), "busy")

	assert.False(t, s.handle(ctx, "/force"))
	assert.True(t, s.force)
	assert.False(t, s.handle(ctx, "/bogus"))
	assert.Contains(t, out.String(), "unknown command /bogus")

	assert.False(t, s.handle(ctx, "/new"))
	assert.Equal(t, "", s.runID())
	assert.True(t, s.handle(ctx, "/quit"))
}

func TestTreeCommand(t *testing.T) {
	out, err := execute(t, "tree", strconv.Itoa(os.Getpid()))
	require.NoError(t, err)
	assert.Contains(t, strings.Fields(out), strconv.Itoa(os.Getpid()))

	_, err = execute(t, "tree", "zero")
	assert.Error(t, err)
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--config=c.toml", "--logfile=/y", "--daemonize=true"})
	assert.Equal(t, []string{"serve", "--config=c.toml"}, got)
}

func TestPidFileGuards(t *testing.T) {
	dir := t.TempDir()
	own := filepath.Join(dir, "own.pid")
	require.NoError(t, process.WritePIDFile(own, os.Getpid()))
	assert.NoError(t, checkNotRunning(own), "our own pid is not another supervisor")
	require.NoError(t, removePidFile(own))
	_, err := os.Stat(own)
	assert.True(t, os.IsNotExist(err))

	other := filepath.Join(dir, "other.pid")
	require.NoError(t, os.WriteFile(other, []byte("1\n"), 0o600))
	if process.IsAlive(1) {
		assert.Error(t, checkNotRunning(other))
	}
	require.NoError(t, removePidFile(other))
	_, err = os.Stat(other)
	assert.NoError(t, err, "a pid file of another process is left alone")

	assert.NoError(t, removePidFile(""))
	assert.NoError(t, checkNotRunning(filepath.Join(dir, "missing.pid")))
}

func TestDescribeEvent(t *testing.T) {
	s := describeEvent(client.Event{Kind: "crashed", RunID: "r1", PID: 12, Message: "worker exited unexpectedly", At: time.Now()})
	assert.Contains(t, s, "crashed")
	assert.Contains(t, s, "pid=12")
	assert.Contains(t, s, `"worker exited unexpectedly"`)
}
