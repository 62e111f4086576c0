package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/internal/server"
	"extension-gateway/pkg/logger"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Fields: map[string]string{
			"service":     "extension-gateway",
			"environment": cfg.Policy.Environment,
			"version":     handlers.Version,
		},
	})
	defer logger.Sync(log)

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Error("Failed to create server",
			logger.Error(err),
			logger.String("config_file", opts.configPath))
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("Shutting down extension gateway...", logger.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
		return err
	}

	log.Info("Extension gateway has been shutdown gracefully")
	return nil
}
