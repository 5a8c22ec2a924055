package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dental-clinic-os/receiptcheck/internal/config"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:          "receiptcheck",
	Short:        "Insurance claim checks for dental clinics",
	Long:         "Checks a clinic's paid claims for one month against its billing rules and diagnosis requirements.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "Config file (yaml, json or toml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
	pf.StringVar(&logFormat, "log-format", "", "Log format: json or text (overrides config)")
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg domain.LoggingConfig) error {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
