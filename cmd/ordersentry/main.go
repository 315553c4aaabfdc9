// Package main is the entry point for the order sentry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersentry/internal/config"
	"ordersentry/internal/metrics"
	"ordersentry/internal/service"
)

// Version information (set by build flags).
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Order Sentry - Protective Order Lifecycle Watchdog

Usage:
  ordersentry <command> [options]

Commands:
  run        Start the sentry
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  ordersentry run --config config.yaml
  ordersentry validate --config config.yaml

Use "ordersentry <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("ordersentry version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Broker: %s\n", cfg.Broker.BaseURL)
	fmt.Printf("  Order reconcile interval: %s\n", cfg.OrderInterval())
	fmt.Printf("  Bracket reconcile interval: %s\n", cfg.BracketInterval())
	fmt.Printf("  Break-even poll interval: %s\n", cfg.BreakEvenInterval())
	fmt.Printf("  Alerting enabled: %v\n", cfg.Alerting.Enabled)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)
	logger.Info("ordersentry starting",
		"version", Version,
		"broker", cfg.Broker.BaseURL,
		"order_interval", cfg.OrderInterval(),
		"bracket_interval", cfg.BracketInterval(),
	)

	svc, err := service.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start service", "err", err)
		os.Exit(1)
	}

	status := svc.Status()
	logger.Info("sentry running",
		"orders_tracked", status.Orders.Total,
		"groups_tracked", status.Groups.Total,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	svc.Stop(shutdownCtx)

	logger.Info("ordersentry stopped")
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
