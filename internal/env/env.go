// Package env composes the environment handed to worker processes.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

const (
	KeySessionRoot = "SESSION_ROOT"
	KeyRunID       = "RUN_ID"
	KeyUIBridge    = "UI_BRIDGE"
	KeyDisableInk  = "DISABLE_INK"
)

// Env is configured once and then read concurrently by launches; Set,
// Unset, LoadFiles and FromOS must not race with Merge or Vars.
type Env struct {
	vars Var // configured overrides
	base Var // OS environment captured by New or FromOS
}

// New captures the current process environment as the base.
func New() *Env {
	return (&Env{vars: make(Var)}).FromOS()
}

// FromOS re-reads the current process environment as the base.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.base = base
	return e
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	delete(e.vars, k)
}

// LoadFiles reads dotenv files in order; later files win.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("env: read %s: %w", p, err)
		}
		for k, v := range m {
			e.Set(k, v)
		}
	}
	return nil
}

// Vars returns a copy of the overrides, expanded against each other and
// the OS environment.
func (e *Env) Vars() Var {
	m := e.compose(nil)
	out := make(Var, len(e.vars))
	for k := range e.vars {
		out[k] = m[k]
	}
	return out
}

// Merge composes OS env, overrides and extra (highest precedence) into a
// sorted "K=V" list with ${VAR} expansion.
func (e *Env) Merge(extra Var) []string {
	m := e.compose(extra)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Env) compose(extra Var) Var {
	m := make(Var, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range extra {
		if k != "" {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded
}

// expand replaces ${VAR} references using m, one level deep.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}

// WorkerVars are the variables every worker of runID is started with.
// DISABLE_INK is only set for workers in a visible terminal.
func WorkerVars(sessionRoot, runID string, terminal bool) Var {
	v := Var{
		KeySessionRoot: sessionRoot,
		KeyRunID:       runID,
		KeyUIBridge:    "1",
	}
	if terminal {
		v[KeyDisableInk] = "1"
	}
	return v
}
