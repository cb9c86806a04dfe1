// Command webservd runs the event-loop HTTP origin server described in
// SPEC_FULL.md against a YAML configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/engine"
	"github.com/webservd/webservd/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "webservd",
		Short: "Configuration-driven HTTP origin server with CGI and uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format: console or json")

	return cmd
}

func run(configPath, logLevel, logFormat string) error {
	log, err := logging.New(logLevel, logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webservd: %v\n", err)
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}

	srv, err := engine.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting webservd", zap.String("config", configPath))
	if err := srv.Run(ctx); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("webservd shut down cleanly")
	return nil
}
