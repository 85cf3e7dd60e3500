// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mmxtls "github.com/absmach/mmx/pkg/tls"
	"github.com/absmach/mmx/wakeup"
	"gopkg.in/yaml.v3"
)

// Payload limits. MaxMetadataSize bounds headers, type and recipients
// together so that any accepted message fits in one frame.
const (
	DefaultMaxPayloadSize = 200 * 1024
	MaxPayloadCeiling     = 2 * 1024 * 1024
	MaxMetadataSize       = 64 * 1024
)

// Config holds the MMX client configuration.
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Storage StorageConfig `yaml:"storage"`
	Wakeup  WakeupConfig  `yaml:"wakeup"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ClientConfig holds connection and tenant settings.
type ClientConfig struct {
	// Tenant
	AppID       string `yaml:"app_id"`
	APIKey      string `yaml:"api_key"`
	GuestSecret string `yaml:"guest_secret"`
	Domain      string `yaml:"domain"`
	DeviceID    string `yaml:"device_id"`

	// Transport
	Transport      string        `yaml:"transport"` // "tcp" or "websocket"
	Address        string        `yaml:"address"`   // host:port for tcp, URL for websocket
	TLS            mmxtls.Config `yaml:"tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// Delivery
	MaxPayloadSize   int  `yaml:"max_payload_size"`
	SuspendOnConnect bool `yaml:"suspend_on_connect"`
	NestedTopics     bool `yaml:"nested_topics"`

	// Credential sealing scrypt work factor (log2 N).
	SealWorkFactor int `yaml:"seal_work_factor"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	Type      string `yaml:"type"` // "memory" or "badger"
	BadgerDir string `yaml:"badger_dir"`
}

// WakeupConfig holds wake-up dispatch settings.
type WakeupConfig struct {
	Enabled       bool `yaml:"enabled"`
	wakeup.Config `yaml:",inline"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds metrics configuration. With Export set, instruments
// are pushed over OTLP/gRPC to Endpoint.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Export         bool          `yaml:"export"`
	Endpoint       string        `yaml:"endpoint"`
	Interval       time.Duration `yaml:"interval"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Domain:         "mmx",
			Transport:      "tcp",
			Address:        "localhost:5222",
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 10 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxPayloadSize: DefaultMaxPayloadSize,
			SealWorkFactor: 15,
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/mmx/data",
		},
		Wakeup: WakeupConfig{
			Enabled: false,
			Config:  wakeup.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Interval:       10 * time.Second,
			ServiceName:    "mmx-client",
			ServiceVersion: "dev",
		},
	}
}

// Load reads configuration from a YAML file. An empty or missing file yields defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Client.AppID, "%/@") {
		return fmt.Errorf("client.app_id cannot contain '%%', '/' or '@'")
	}
	if c.Client.AppID != "" && c.Client.APIKey == "" {
		return fmt.Errorf("client.api_key required when client.app_id is set")
	}
	if c.Client.Domain == "" {
		return fmt.Errorf("client.domain cannot be empty")
	}
	switch c.Client.Transport {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("client.transport must be one of: tcp, websocket")
	}
	if c.Client.Address == "" {
		return fmt.Errorf("client.address cannot be empty")
	}
	if err := c.Client.TLS.Validate(); err != nil {
		return fmt.Errorf("client.tls: %w", err)
	}
	if c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be positive")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive")
	}
	if c.Client.MaxPayloadSize < 1 || c.Client.MaxPayloadSize > MaxPayloadCeiling {
		return fmt.Errorf("client.max_payload_size must be between 1 and %d", MaxPayloadCeiling)
	}
	if c.Client.SealWorkFactor < 1 || c.Client.SealWorkFactor > 22 {
		return fmt.Errorf("client.seal_work_factor must be between 1 and 22")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required for badger storage")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	if c.Wakeup.Enabled {
		if err := c.Wakeup.Policy.Validate(); err != nil {
			return fmt.Errorf("wakeup.policy: %w", err)
		}
		if c.Wakeup.Limit.Enabled && (c.Wakeup.Limit.Rate <= 0 || c.Wakeup.Limit.Burst < 1) {
			return fmt.Errorf("wakeup.rate_limit requires positive rate and burst")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Export {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint required when metrics.export is set")
		}
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be positive")
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ParseLevel maps a log level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
