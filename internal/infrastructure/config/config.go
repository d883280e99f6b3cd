package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Sandbox   SandboxConfig
	Bridge    BridgeConfig
	Installer InstallerConfig
	Updates   UpdatesConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"8000"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE" default:""`
	MaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
	MaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays  int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// StorageConfig holds durable storage configuration.
type StorageConfig struct {
	DataDir    string `envconfig:"DATA_DIR" default:"./data"`
	BundledDir string `envconfig:"BUNDLED_EXTENSIONS_DIR" default:""`
}

// SandboxConfig holds script execution limits.
type SandboxConfig struct {
	Budget        time.Duration `envconfig:"SANDBOX_BUDGET" default:"30s"`
	MaxLive       int           `envconfig:"SANDBOX_MAX_LIVE" default:"32"`
	MaxCallStack  int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	EnableConsole bool          `envconfig:"SANDBOX_CONSOLE" default:"true"`
}

// BridgeConfig holds limits for network calls made by extensions.
type BridgeConfig struct {
	Timeout           time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"15s"`
	RequestsPerSecond float64       `envconfig:"BRIDGE_RPS" default:"10"`
	Burst             int           `envconfig:"BRIDGE_BURST" default:"20"`
	MaxBodyBytes      int64         `envconfig:"BRIDGE_MAX_BODY" default:"8388608"`
	UserAgent         string        `envconfig:"BRIDGE_USER_AGENT" default:"Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36"`
}

// InstallerConfig holds limits for package downloads.
type InstallerConfig struct {
	Timeout           time.Duration `envconfig:"INSTALLER_TIMEOUT" default:"30s"`
	RequestsPerSecond float64       `envconfig:"INSTALLER_RPS" default:"5"`
	Burst             int           `envconfig:"INSTALLER_BURST" default:"10"`
	MaxPayloadBytes   int64         `envconfig:"INSTALLER_MAX_PAYLOAD" default:"4194304"`
	// TrustedKeys maps key ids to base64 ed25519 public keys: "id1:key1,id2:key2"
	TrustedKeys map[string]string `envconfig:"INSTALLER_TRUSTED_KEYS" default:""`
}

// UpdatesConfig holds periodic update check configuration.
type UpdatesConfig struct {
	Enabled     bool          `envconfig:"UPDATES_ENABLED" default:"true"`
	Interval    time.Duration `envconfig:"UPDATES_INTERVAL" default:"6h"`
	Concurrency int           `envconfig:"UPDATES_CONCURRENCY" default:"4"`
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

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8000",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Sandbox: SandboxConfig{
			Budget:        30 * time.Second,
			MaxLive:       32,
			MaxCallStack:  1024,
			EnableConsole: true,
		},
		Bridge: BridgeConfig{
			Timeout:           15 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			MaxBodyBytes:      8 << 20,
			UserAgent:         "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
		},
		Installer: InstallerConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			MaxPayloadBytes:   4 << 20,
		},
		Updates: UpdatesConfig{
			Enabled:     true,
			Interval:    6 * time.Hour,
			Concurrency: 4,
		},
	}
}
