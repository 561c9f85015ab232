package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tailvisor"
)

func createServeCommand() *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the tailvisor daemon",
		Long: `Start the daemon. Without a config file the defaults are used:
listen on 0.0.0.0:8232 under /api and keep state in ./cfg.json.
TAILVISOR_* environment variables override file values, e.g.
TAILVISOR_SERVER_LISTEN=127.0.0.1:9000.

Examples:
  tailvisor serve
  tailvisor serve /etc/tailvisor/tailvisor.toml
  tailvisor serve tailvisor.toml --daemonize --pidfile=/run/tailvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := tailvisor.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := tailvisor.Start(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	<-ctx.Done()

	d.Log.Info("shutting down")
	grace := cfg.Supervisor.StopGrace + 5*time.Second
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return d.Shutdown(sctx)
}
