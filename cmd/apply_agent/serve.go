package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/config"
	"github.com/jonathan/apply-agent/internal/logging"
	"github.com/jonathan/apply-agent/internal/orchestrator"
	"github.com/jonathan/apply-agent/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that accepts application URLs, drives runs through the pipeline, and serves run status.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close()

	runner := orchestrator.NewRunner(comps.orch, cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth, logger)
	runner.Start(ctx)

	if recovered, err := runner.Recover(ctx, comps.store); err != nil {
		logger.Warn("crash recovery sweep incomplete", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("resumed interrupted runs", zap.Int("count", recovered))
	}

	srv := server.New(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}, comps.store, comps.orch, runner, comps.metrics, logger)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	runner.Wait()
	return nil
}
