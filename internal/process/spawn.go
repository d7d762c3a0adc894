package process

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// outputWaitDelay bounds how long Wait keeps copying output after the
// worker exits while a descendant still holds its pipes.
const outputWaitDelay = 2 * time.Second

// SpawnSpec describes a background process started by Spawn.
type SpawnSpec struct {
	Path     string
	Args     []string
	Dir      string
	Env      []string // full environment; empty inherits the supervisor's
	Detached bool     // new session (Unix) / no console (Windows)

	// Stdout and Stderr receive the process output; nil discards it.
	// Writers that are io.Closers are closed once the process is reaped.
	Stdout io.Writer
	Stderr io.Writer
}

// Child is a process started by Spawn.
type Child struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	closers []io.Closer

	mu  sync.Mutex
	err error
}

// Spawn starts spec and returns immediately. A goroutine reaps the process;
// Done is closed once it has exited.
func Spawn(spec SpawnSpec) (*Child, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("spawn: empty path")
	}
	// #nosec G204
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec.Detached)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if spec.Stdout != nil || spec.Stderr != nil {
		cmd.WaitDelay = outputWaitDelay
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", spec.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	c := &Child{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	for _, w := range []io.Writer{spec.Stdout, spec.Stderr} {
		if cl, ok := w.(io.Closer); ok {
			c.closers = append(c.closers, cl)
		}
	}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

// PID returns the OS process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Done is closed when the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exited reports whether Done is closed.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait. Only meaningful after Done.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stdin is the write end of the child's standard input.
func (c *Child) Stdin() io.Writer { return c.stdin }

// CloseStdin closes the child's standard input.
func (c *Child) CloseStdin() error { return c.stdin.Close() }
