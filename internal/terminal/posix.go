package terminal

import (
	"context"
	"fmt"
	"strings"
)

type posixLauncher struct {
	opts options
}

func posixScript(req Request) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "cd %s || exit 1\n", ShellQuote(req.Cwd))
	fmt.Fprintf(&b, "echo %s\n", ShellQuote("chatvisor run "+req.RunID))
	for _, kv := range workerEnv(req) {
		fmt.Fprintf(&b, "export %s=%s\n", kv.key, ShellQuote(kv.value))
	}
	fmt.Fprintf(&b, "exec %s %s %s\n", ShellQuote(req.Runtime), ShellQuote(req.CLIPath), subcommand(req))
	return b.String()
}

// posixOneLiner is the script body as a single command for osascript.
func posixOneLiner(req Request) string {
	parts := []string{"cd " + ShellQuote(req.Cwd), "&&"}
	for _, kv := range workerEnv(req) {
		parts = append(parts, kv.key+"="+ShellQuote(kv.value))
	}
	parts = append(parts, "exec", ShellQuote(req.Runtime), ShellQuote(req.CLIPath), subcommand(req))
	return strings.Join(parts, " ")
}

func (l *posixLauncher) Launch(ctx context.Context, req Request) bool {
	log := l.opts.logger.With("run", req.RunID, "launcher", Posix.String())
	script := ScriptPath(req.TerminalsDir, req.RunID, Posix)
	if err := writeScript(script, []byte(posixScript(req)), 0o755); err != nil {
		log.Warn("write launch script", "path", script, "error", err)
		return false
	}

	osa := fmt.Sprintf(`tell application "Terminal" to do script "%s"`, AppleScriptQuote(posixOneLiner(req)))
	attempts := [][]string{
		{"open", "-a", "Terminal", script},
		{"open", script},
		{"osascript", "-e", osa, "-e", `tell application "Terminal" to activate`},
	}
	for _, a := range attempts {
		if err := l.opts.run(ctx, a[0], a[1:]...); err != nil {
			log.Debug("terminal launch attempt failed", "cmd", a[0], "error", err)
			continue
		}
		log.Info("worker launched in terminal", "via", a[0])
		return true
	}
	return false
}
