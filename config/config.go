package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/c360/semlayer/errors"
)

// Store type constants
const (
	StoreMemory = "memory" // In-process map, lost on exit
	StoreSQLite = "sqlite" // Single SQLite file
	StoreNATS   = "nats"   // JetStream KV bucket
)

// Config represents the complete daemon configuration
type Config struct {
	Store   StoreConfig   `json:"store" yaml:"store"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Stream  StreamConfig  `json:"stream" yaml:"stream"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// StoreConfig selects the document store backing the layer
type StoreConfig struct {
	Type       string `json:"type" yaml:"type"`
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	Author     string `json:"author" yaml:"author"` // Author recorded on writes made by this process
}

// NATSConfig configures the NATS connection and KV bucket
type NATSConfig struct {
	URL           string        `json:"url" yaml:"url"`
	Bucket        string        `json:"bucket" yaml:"bucket"`
	History       uint8         `json:"history" yaml:"history"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// StreamConfig configures the websocket event stream and the todo API
// served next to it
type StreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
	API     bool   `json:"api" yaml:"api"` // Serve /todos on the same listener
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used when no layer overrides a field
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type:       StoreMemory,
			SQLitePath: "semlayer.db",
			Author:     "@semlayer",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Bucket:        "semlayer_docs",
			History:       1,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Stream: StreamConfig{
			Enabled: true,
			Addr:    ":8080",
			Path:    "/events",
			API:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	c.Store.Type = strings.ToLower(c.Store.Type)
	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return invalid("store.sqlite_path is required for the sqlite store")
		}
	case StoreNATS:
		if err := c.NATS.validate(); err != nil {
			return err
		}
	default:
		return invalid(fmt.Sprintf("store.type %q must be one of memory, sqlite, nats", c.Store.Type))
	}
	if c.Store.Author == "" {
		return invalid("store.author is required")
	}

	if c.Metrics.Enabled {
		if err := validateListen("metrics", c.Metrics.Addr, c.Metrics.Path); err != nil {
			return err
		}
	}
	if c.Stream.Enabled {
		if err := validateListen("stream", c.Stream.Addr, c.Stream.Path); err != nil {
			return err
		}
		if c.Stream.API && strings.HasPrefix(c.Stream.Path, "/todos") {
			return invalid(fmt.Sprintf("stream.path %q collides with the todo API", c.Stream.Path))
		}
	}
	if c.Metrics.Enabled && c.Stream.Enabled && c.Metrics.Addr == c.Stream.Addr {
		return invalid("metrics.addr and stream.addr must differ")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	return nil
}

func (n NATSConfig) validate() error {
	if n.URL == "" {
		return invalid("nats.url is required for the nats store")
	}
	if !isValidBucketName(n.Bucket) {
		return invalid(fmt.Sprintf("nats.bucket %q must be alphanumeric with dashes and underscores", n.Bucket))
	}
	if n.History == 0 || n.History > 64 {
		return invalid("nats.history must be between 1 and 64")
	}
	if n.Timeout <= 0 {
		return invalid("nats.timeout must be positive")
	}
	if n.Token != "" && n.Username != "" {
		return invalid("nats.token and nats.username are mutually exclusive")
	}
	return nil
}

// isValidBucketName checks a JetStream KV bucket name.
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func validateListen(section, addr, path string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return invalid(fmt.Sprintf("%s.addr %q: %v", section, addr, err))
	}
	if !strings.HasPrefix(path, "/") {
		return invalid(fmt.Sprintf("%s.path %q must start with '/'", section, path))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a JSON representation with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "REDACTED"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "REDACTED"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
