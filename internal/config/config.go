// Package config holds all tunable parameters for the protocol and the
// demo server. Values load from environment variables with sane defaults;
// a TOML file can override either.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Protocol ProtocolConfig
	Logging  LogConfig
}

// ServerConfig holds demo embedding-host server configuration.
type ServerConfig struct {
	Port           string `envconfig:"PORT" default:"8090" toml:"port"`
	Host           string `envconfig:"HOST" default:"0.0.0.0" toml:"host"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:"*" toml:"allowed_origins"`
}

// ProtocolConfig holds the protocol tunables. The origin constants (call
// timeout, registry capacity) had no justified defaults, so all of them are
// configurable rather than compiled in.
type ProtocolConfig struct {
	// CallTimeout bounds how long a remote function call waits for its
	// response before rejecting.
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT" default:"10s" toml:"call_timeout"`
	// InitTimeout bounds how long a child waits for the host's init
	// envelope before entering standalone mode.
	InitTimeout time.Duration `envconfig:"INIT_TIMEOUT" default:"5s" toml:"init_timeout"`
	// MaxDepth is the maximum nesting depth a serialized value may have.
	MaxDepth int `envconfig:"MAX_DEPTH" default:"32" toml:"max_depth"`
	// RegistryCapacity caps how many functions one session may register.
	RegistryCapacity int `envconfig:"REGISTRY_CAPACITY" default:"1024" toml:"registry_capacity"`
	// ReleaseBatchThreshold is the proxy count at or above which token
	// release is sent as one batch envelope instead of singles.
	ReleaseBatchThreshold int `envconfig:"RELEASE_BATCH_THRESHOLD" default:"8" toml:"release_batch_threshold"`
	// RateLimitPerSecond / RateLimitBurst bound inbound envelope processing
	// on the websocket transport. Zero disables limiting.
	RateLimitPerSecond int `envconfig:"RATE_LIMIT_RPS" default:"500" toml:"rate_limit_per_second"`
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"1000" toml:"rate_limit_burst"`
	// Compression enables zstd compression of websocket frames.
	Compression bool `envconfig:"COMPRESSION" default:"false" toml:"compression"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// FromFile loads configuration from a TOML file on top of the environment.
func FromFile(path string) (*Config, error) {
	cfg := LoadOrDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8090",
			Host:           "0.0.0.0",
			AllowedOrigins: "*",
		},
		Protocol: DefaultProtocol(),
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// DefaultProtocol returns the default protocol tunables.
func DefaultProtocol() ProtocolConfig {
	return ProtocolConfig{
		CallTimeout:           10 * time.Second,
		InitTimeout:           5 * time.Second,
		MaxDepth:              32,
		RegistryCapacity:      1024,
		ReleaseBatchThreshold: 8,
		RateLimitPerSecond:    500,
		RateLimitBurst:        1000,
		Compression:           false,
	}
}
