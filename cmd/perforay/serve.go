package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"perforay/internal/logging"
	"perforay/internal/model"
	"perforay/internal/scanner"
	"perforay/internal/server"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
	resultsConsumer = "perforay-results-log"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket scan server",
		Long: `Serve accepts scan sessions on /ws/scan and the result API on /api/v1.

PostgreSQL, Redis and NATS are optional: each one is used only when its URL
is configured (DATABASE_URL, REDIS_URL, NATS_URL).`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides api_port)")
	cmd.Flags().Bool("consume-results", false,
		"Log every result delivered on the JetStream results stream")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.APIPort = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.New(appName, cfg.Log)
	logger.Info().Msg("Starting PerfoRay scan server...")

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	backends, closeBackends, err := openBackends(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer closeBackends()

	if consume, _ := cmd.Flags().GetBool("consume-results"); consume && backends.Publisher != nil {
		consumerLog := logging.Component(logger, "nats")
		sub, err := backends.Publisher.Subscribe(resultsConsumer, func(r *model.ScanResult) {
			consumerLog.Info().
				Str("result_id", r.ID).
				Str("target", r.Target).
				Int("pages", len(r.Pages)).
				Msg("result published")
		})
		if err != nil {
			return fmt.Errorf("subscribe results: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
		consumerLog.Info().Str("consumer", resultsConsumer).Msg("Consumers started")
	}

	engine := scanner.New(scanner.OptionsFromConfig(cfg.Scanner), logging.Component(logger, "scanner"))
	srv := server.NewServer(cfg, engine, backends, logger)
	srv.Setup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("Server stopped")
	return nil
}
