package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/chatvisor/internal/process"
)

// daemonArgs strips the daemon flags from args so the child runs in the
// foreground.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize", strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the current command in the background and exits.
func daemonize(pidFile string, logFile string) error {
	if !isDaemonSupported() {
		return fmt.Errorf("daemonize is not supported on this platform")
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := process.WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	_ = cmd.Process.Release()
	os.Exit(0)
	return nil
}

// removePidFile removes the PID file if it still names this process.
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if pid, _, err := process.ReadPIDFile(pidFile); err == nil && pid != os.Getpid() {
		return nil
	}
	return os.Remove(pidFile)
}

// checkNotRunning fails when the PID file names another live supervisor.
func checkNotRunning(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if pid, ok := process.PIDFileAlive(pidFile); ok && pid != os.Getpid() {
		return fmt.Errorf("chatvisor already running with pid %d (%s)", pid, pidFile)
	}
	return nil
}
