package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/chatvisor"
	"github.com/loykin/chatvisor/pkg/client"
)

// errRejected makes a refused dispatch exit non-zero.
var errRejected = errors.New("dispatch rejected")

func createSendCommand(globalFlags *GlobalFlags, flags *SendFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Deliver a message to a run, starting a worker if needed",
		Long: `Deliver a message to a run. Without --run a new run is created in the
current directory.

Examples:
  chatvisor send "explain main.go"
  chatvisor send --run=abc --force "stop that and run the tests"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			out, err := send(cmd.Context(), cl, flags, strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(out))
			if !out.OK {
				return errRejected
			}
			return nil
		},
	}
	addSendFlags(cmd, flags)
	return cmd
}

func addSendFlags(cmd *cobra.Command, flags *SendFlags) {
	cmd.Flags().StringVar(&flags.RunID, "run", "", "run id (default: new run)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "stop the run's current message first")
	cmd.Flags().StringVar(&flags.Cwd, "cwd", "", "workspace for a new worker (default: current directory)")
	cmd.Flags().StringVar(&flags.Mode, "mode", "", "launch mode: auto, headless or system")
}

func send(ctx context.Context, cl *client.Client, flags *SendFlags, text string) (client.Outcome, error) {
	cwd := flags.Cwd
	if cwd == "" && flags.RunID == "" {
		cwd, _ = os.Getwd()
	}
	return cl.Dispatch(ctx, client.DispatchRequest{
		Text:  text,
		RunID: flags.RunID,
		Force: flags.Force,
		Cwd:   cwd,
		Mode:  flags.Mode,
	})
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run]",
		Short: "Show runs and their worker state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				r, err := cl.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), r)
				return nil
			}
			runs, err := cl.Runs(cmd.Context())
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
}

func printRuns(w io.Writer, runs []client.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "no runs")
		return
	}
	for _, r := range runs {
		state, pid, msg := "-", 0, ""
		if r.Status != nil {
			state, pid, msg = r.Status.State, r.Status.PID, r.Status.CurrentMessage
		}
		alive := "dead"
		switch {
		case r.Alive:
			alive = "alive"
		case r.Pending:
			alive = "pending"
		}
		_, _ = fmt.Fprintf(w, "%-36s %-8s %-7s pid=%-7d %s\n", r.RunID, state, alive, pid, msg)
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "stop <run>",
		Short: "Stop a run's current message, or kill its worker with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			if err := cl.Stop(cmd.Context(), args[0], hard); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "terminate the worker's process tree")
	return cmd
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events [run]",
		Short: "Stream run lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return cl.Events(ctx, runID, func(e client.Event) error {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), describeEvent(e))
				return nil
			})
		},
	}
}

func describeEvent(e client.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %s", e.At.Local().Format("15:04:05"), e.Kind, e.RunID)
	if e.PID > 0 {
		fmt.Fprintf(&b, " pid=%d", e.PID)
	}
	if e.State != "" {
		fmt.Fprintf(&b, " state=%s", e.State)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %q", e.Message)
	}
	return b.String()
}

func createTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <pid>...",
		Short: "Print the process tree a hard stop would terminate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roots := make([]int, 0, len(args))
			for _, a := range args {
				pid, err := strconv.Atoi(a)
				if err != nil || pid <= 0 {
					return fmt.Errorf("invalid pid %q", a)
				}
				roots = append(roots, pid)
			}
			for _, pid := range chatvisor.ProcessTree(roots) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), pid)
			}
			return nil
		},
	}
}
