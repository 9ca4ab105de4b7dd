package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/logger"
	"github.com/ferrant/ragmux/internal/mux"
	"github.com/ferrant/ragmux/internal/version"
	"github.com/ferrant/ragmux/pkg/format"
)

func main() {
	startTime := time.Now()

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.String())
		os.Exit(0)
	}

	cfg, err := config.Load(os.Getenv("RAGMUX_PRESET"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	logInstance.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	for _, warning := range config.Warnings(cfg) {
		logInstance.Warn("Configuration warning", "field", warning.Field, "detail", warning.Detail)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logInstance.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	multiplexer := mux.New(cfg, logInstance)
	if err := multiplexer.Initialize(ctx); err != nil {
		logInstance.Error("Failed to initialise multiplexer", "error", err)
		cleanup()
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer shutdownCancel()
	if err := multiplexer.Shutdown(shutdownCtx); err != nil {
		logInstance.Error("Error during shutdown", "error", err)
	}

	status := multiplexer.Status()
	logInstance.Info("Final pool stats",
		"total_servers", status.TotalServers,
		"avg_response_time", format.Duration(status.AvgResponseTime),
		"throughput_rps", fmt.Sprintf("%.2f", status.Throughput),
		"error_rate", format.Percent(status.ErrorRate),
		"uptime", format.Uptime(time.Since(startTime)))

	logInstance.Info("ragmux has shut down")
}
