package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/loykin/chatvisor/pkg/client"
)

const chatHelp = `/new      start a new run with the next message
/run ID   switch to an existing run
/force    send the next message with --force
/stop     ask the run to stop its current message
/kill     terminate the run's worker
/status   show the run
/quit     leave (the worker keeps running)`

func createChatCommand(globalFlags *GlobalFlags, flags *SendFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session with one run",
		Long: "Read messages from the terminal and dispatch them to one run. Events\n" +
			"for the run are printed as they arrive.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "chatvisor> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "",
			})
			if err != nil {
				return err
			}
			defer func() { _ = rl.Close() }()

			s := &chatSession{cl: cl, flags: *flags, out: rl.Stdout()}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			s.watch(ctx, func(line string) {
				_, _ = rl.Write([]byte("\r\n" + line + "\r\n"))
				rl.Refresh()
			})
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					return nil
				}
				if quit := s.handle(ctx, line); quit {
					return nil
				}
			}
		},
	}
	addSendFlags(cmd, flags)
	return cmd
}

// chatSession is the state of one interactive chat.
type chatSession struct {
	cl    *client.Client
	flags SendFlags
	out   io.Writer

	mu    sync.Mutex
	force bool
}

func (s *chatSession) runID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.RunID
}

func (s *chatSession) setRun(id string) {
	s.mu.Lock()
	s.flags.RunID = id
	s.mu.Unlock()
}

func (s *chatSession) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}

// handle processes one input line and reports whether to quit.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "/") {
		return s.command(ctx, line)
	}
	flags := s.flags
	flags.RunID = s.runID()
	flags.Force = s.force
	s.force = false
	out, err := send(ctx, s.cl, &flags, line)
	if err != nil {
		s.printf("error: %v", err)
		return false
	}
	if out.RunID != "" {
		s.setRun(out.RunID)
	}
	s.printf("%s", describeOutcome(out))
	return false
}

func (s *chatSession) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	id := s.runID()
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		s.printf("%s", chatHelp)
	case "/new":
		s.setRun("")
		s.printf("next message starts a new run")
	case "/run":
		if arg == "" {
			s.printf("usage: /run ID")
			break
		}
		s.setRun(arg)
		s.printf("using run %s", arg)
	case "/force":
		s.force = true
		s.printf("next message will interrupt the run")
	case "/stop", "/kill":
		if id == "" {
			s.printf("no run yet")
			break
		}
		if err := s.cl.Stop(ctx, id, name == "/kill"); err != nil {
			s.printf("error: %v", err)
			break
		}
		s.printf("stop sent to %s", id)
	case "/status":
		if id == "" {
			s.printf("no run yet")
			break
		}
		r, err := s.cl.Run(ctx, id)
		if err != nil {
			s.printf("error: %v", err)
			break
		}
		printRuns(s.out, []client.Run{r})
	default:
		s.printf("unknown command %s, try /help", name)
	}
	return false
}

// watch prints events of the session's current run until ctx is done.
func (s *chatSession) watch(ctx context.Context, print func(string)) {
	go func() {
		err := s.cl.Events(ctx, "", func(e client.Event) error {
			if id := s.runID(); id != "" && e.RunID == id && e.Kind != "launched" {
				print(describeEvent(e))
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			print("event stream closed: " + err.Error())
		}
	}()
}
