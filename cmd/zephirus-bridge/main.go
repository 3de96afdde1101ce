package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"zephirus-bridge/internal/config"
	"zephirus-bridge/internal/logging"
	"zephirus-bridge/internal/web"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("zephirus-bridge", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to YAML config (defaults are used when empty)")
	listen := fs.String("listen", "", "Override listen address (host:port)")
	logLevel := fs.String("log-level", "", "Override log level (debug, info, warn, error)")
	simulate := fs.Bool("simulate", false, "Use the built-in flight simulator instead of a serial device")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			return 1
		}
		cfg = c
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *simulate {
		cfg.Serial.Simulate = true
	}
	if err := cfg.DefaultAndValidate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logs := web.NewLogBuffer(500)
	logger, closeLog, err := logging.New(cfg.Log, version, logs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("zephirus-bridge starting", "version", version, "config", *configPath)

	b, err := newBridge(cfg, logs, version, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}
	defer b.Close()

	ln, err := web.Listen(cfg.Listen)
	if err != nil {
		logger.Error("listener bind failed", "addr", cfg.Listen, "err", err)
		return 1
	}

	if err := b.Run(ctx, ln); err != nil {
		logger.Error("bridge failed", "err", err)
		return 1
	}
	logger.Info("zephirus-bridge stopped")
	return 0
}
