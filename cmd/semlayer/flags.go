package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

// configPaths collects repeated -config flags.
type configPaths []string

func (c *configPaths) String() string { return strings.Join(*c, ",") }

func (c *configPaths) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*c = append(*c, p)
		}
	}
	return nil
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var paths configPaths
	if env := os.Getenv("SEMLAYER_CONFIG"); env != "" {
		_ = paths.Set(env)
	}
	fs.Var(&paths, "config",
		"Configuration file, JSON or YAML; repeat or comma-separate to layer (env: SEMLAYER_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 15*time.Second,
		"Graceful shutdown timeout")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, `%s - reactive todo index over a document store

Usage: %s [options]

Options:
`, appName, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(stderr, `
Examples:
  # In-memory store, text logs
  %[1]s --log-format=text

  # NATS KV store from a YAML file, with a local JSON override
  %[1]s --config=semlayer.yaml --config=local.json

  # Validate configuration only
  SEMLAYER_STORE_TYPE=sqlite %[1]s --validate
`, appName)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.ConfigPaths = paths
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
