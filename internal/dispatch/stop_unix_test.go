//go:build !windows

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
)

func TestStop_HardKillsHeadlessWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	layout := session.NewLayout(t.TempDir(), "")
	reg := run.NewRegistry()
	d := New(layout, reg, run.NewBus(), Options{
		Runtime:    "/bin/sh",
		CLIPath:    "-c",
		Subcommand: "sleep 30",
		GOOS:       "linux",
		KillGrace:  500 * time.Millisecond,
	})

	l, err := d.EnsureRunning(context.Background(), "r1", EnsureOptions{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.True(t, l.Launched)
	h, ok := reg.LiveHandle("r1")
	require.True(t, ok)

	require.NoError(t, d.Stop(context.Background(), "r1", true))
	select {
	case <-h.Proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived a hard stop")
	}

	rec, ok := d.StatusReader().Read("r1")
	require.True(t, ok)
	assert.Equal(t, status.StateExited, rec.State)
}
