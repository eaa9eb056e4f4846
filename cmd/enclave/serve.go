package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/server"
)

var (
	hostFlag string
	portFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	Long: `Start the Enclave server.

Live sessions are created over REST and executed either with
POST /sessions/:id/execute or streamed over /sessions/:id/stream.

Examples:
  enclave serve
  enclave serve --port 9090 --config enclave.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Host to bind (overrides config)")
	serveCmd.Flags().StringVar(&portFlag, "port", "", "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	if portFlag != "" {
		cfg.Server.Port = portFlag
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(background(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

// background is the context used when cobra was not given one.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
