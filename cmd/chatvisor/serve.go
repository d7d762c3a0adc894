package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/chatvisor"
	"github.com/loykin/chatvisor/internal/logger"
	"github.com/loykin/chatvisor/internal/process"
)

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the chatvisor supervisor",
		Long: `Start the supervisor and its HTTP API.

Examples:
  chatvisor serve                         # Defaults plus CHATVISOR_* environment
  chatvisor serve chatvisor.toml          # With a config file
  chatvisor serve --daemonize             # Background; pidfile from [server].pidfile`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(cmd.Context(), configPath, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	cfg, err := chatvisor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.Session.Root, 0o750); err != nil {
		return fmt.Errorf("create session root %s: %w", cfg.Session.Root, err)
	}
	if err := checkNotRunning(cfg.Server.PIDFile); err != nil {
		return err
	}
	if flags.Daemonize {
		return daemonize(cfg.Server.PIDFile, flags.LogFile)
	}

	log := logger.New(cfg.Logger())
	sup, err := chatvisor.NewSupervisor(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	if err := process.WritePIDFile(cfg.Server.PIDFile, os.Getpid()); err != nil {
		log.Warn("pid file not written", "path", cfg.Server.PIDFile, "error", err)
	}
	defer func() { _ = removePidFile(cfg.Server.PIDFile) }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Serve(ctx)
}
