package main

import (
	"os/signal"
	"syscall"

	"github.com/INLOpen/nexusrelay/config"
	"github.com/INLOpen/nexusrelay/server"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run collectors and writers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.DryRun = true
			}

			logger, logCloser, err := createLogger(cfg.Logging)
			if err != nil {
				return err
			}
			if logCloser != nil {
				defer logCloser.Close()
			}

			tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
			if err != nil {
				return err
			}
			defer tracerCleanup()

			app, err := server.NewAppServer(cfg, logger, tp.Tracer("nexusrelay/writer"))
			if err != nil {
				return err
			}
			if cfg.DryRun {
				logger.Warn("Running in dry-run mode, nothing is written to destinations or backlogs")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received")
				app.Stop()
			}()
			return app.Start()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Skip destination writes and backlog file changes")
	return cmd
}

