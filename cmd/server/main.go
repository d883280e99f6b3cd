package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/streambox/backend/internal/server"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "streambox: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags override the environment
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Server port")
	flag.StringVar(&cfg.Storage.DataDir, "data", cfg.Storage.DataDir, "Data directory")
	flag.StringVar(&cfg.Storage.BundledDir, "bundled", cfg.Storage.BundledDir, "Bundled extensions directory")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	logCfg := logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development}
	if cfg.Logging.File != "" {
		file := cfg.Logging.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(paths.New(cfg.Storage.DataDir).Logs(), file)
		}
		logCfg.File = &logging.FileConfig{
			Path:       file,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case err = <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	if shutdownErr := srv.Shutdown(context.Background()); shutdownErr != nil {
		logger.Error("Error during shutdown", zap.Error(shutdownErr))
	}
	return err
}
