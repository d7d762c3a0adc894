package terminal

import (
	"context"
	"fmt"
	"strings"
)

type windowsLauncher struct {
	opts options
}

func windowsScript(req Request) string {
	var b strings.Builder
	b.WriteString("@echo off\r\n")
	fmt.Fprintf(&b, "title %s\r\n", BatchEscape(title(req)))
	fmt.Fprintf(&b, "cd /d %s\r\n", batchQuote(req.Cwd))
	for _, kv := range workerEnv(req) {
		fmt.Fprintf(&b, "set %s=%s\r\n", kv.key, BatchEscape(kv.value))
	}
	invoke := fmt.Sprintf("%s %s %s", batchQuote(req.Runtime), batchQuote(req.CLIPath), subcommand(req))
	b.WriteString(invoke + "\r\n")
	// exit code 2 means the worker found no usable stdin; retry bound to the console
	fmt.Fprintf(&b, "if errorlevel 2 if not errorlevel 3 %s < CONIN$\r\n", invoke)
	return b.String()
}

func title(req Request) string { return "chatvisor " + req.RunID }

func (l *windowsLauncher) Launch(ctx context.Context, req Request) bool {
	log := l.opts.logger.With("run", req.RunID, "launcher", Windows.String())
	script := ScriptPath(req.TerminalsDir, req.RunID, Windows)
	if err := writeScript(script, []byte(windowsScript(req)), 0o644); err != nil {
		log.Warn("write launch script", "path", script, "error", err)
		return false
	}
	if err := l.opts.run(ctx, "cmd", "/c", "start", title(req), "cmd", "/k", script); err != nil {
		log.Debug("terminal launch failed", "error", err)
		return false
	}
	log.Info("worker launched in terminal", "via", "start")
	return true
}
