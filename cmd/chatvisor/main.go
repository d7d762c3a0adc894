package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

// SendFlags holds flags for send and chat.
type SendFlags struct {
	RunID string
	Force bool
	Cwd   string
	Mode  string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, &ServeFlags{}),
		createSendCommand(globalFlags, &SendFlags{}),
		createChatCommand(globalFlags, &SendFlags{}),
		createStatusCommand(globalFlags),
		createStopCommand(globalFlags),
		createEventsCommand(globalFlags),
		createTreeCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatvisor",
		Short: "Supervisor for file-bridged chat workers",
		Long: `Chatvisor starts chat worker processes on demand, delivers messages to
them through per-run control logs, and watches their status files.

Examples:
  chatvisor serve --config=chatvisor.toml     # Start the supervisor
  chatvisor send "summarize the diff"         # New run
  chatvisor send --run=abc "and the tests?"   # Existing run
  chatvisor status                            # All runs
  chatvisor stop abc --hard                   # Kill a run's process tree`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "supervisor API URL (default from config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "API request timeout")
	return root
}
