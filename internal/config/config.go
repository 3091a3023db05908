package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Session
	Query        string        `mapstructure:"query"`
	Count        int           `mapstructure:"count"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TrackFlashed bool          `mapstructure:"track-flashed"`

	// Flash state machine
	MaxRetries int           `mapstructure:"max-retries"`
	RetryDelay time.Duration `mapstructure:"retry-delay"`
	FSMDBPath  string        `mapstructure:"fsm-db-path"`

	// Device discovery and OS commands
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	MountCacheTTL  time.Duration `mapstructure:"mount-cache-ttl"`
	CommandTimeout time.Duration `mapstructure:"command-timeout"`

	// Firmware
	WorkDir         string `mapstructure:"work-dir"`
	S3Region        string `mapstructure:"s3-region"`
	S3Anonymous     bool   `mapstructure:"s3-anonymous"`
	MaxFirmwareSize int64  `mapstructure:"max-firmware-size"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogOutput string `mapstructure:"log-output"`

	// Diagnostic events over MQTT, disabled when broker is empty
	MQTTBroker   string `mapstructure:"mqtt-broker"`
	MQTTTopic    string `mapstructure:"mqtt-topic"`
	MQTTClientID string `mapstructure:"mqtt-client-id"`
}

// DefaultWorkDir is used when no work directory is configured.
func DefaultWorkDir() string {
	return filepath.Join(os.TempDir(), "kbflash")
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("query", "")
	v.SetDefault("count", 1)
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("track-flashed", true)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-delay", 2*time.Second)
	v.SetDefault("fsm-db-path", "")
	v.SetDefault("poll-interval", 750*time.Millisecond)
	v.SetDefault("mount-cache-ttl", 5*time.Second)
	v.SetDefault("command-timeout", 10*time.Second)
	v.SetDefault("work-dir", DefaultWorkDir())
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-anonymous", true)
	v.SetDefault("max-firmware-size", 16*1024*1024)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("log-output", "stderr")
	v.SetDefault("mqtt-broker", "")
	v.SetDefault("mqtt-topic", "kbflash/events")
	v.SetDefault("mqtt-client-id", "")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against a specific viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be KBFLASH_MAX_RETRIES, etc.)
	v.SetEnvPrefix("KBFLASH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.kbflash")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max-retries must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry-delay must be non-negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.MountCacheTTL <= 0 {
		return fmt.Errorf("mount-cache-ttl must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command-timeout must be positive")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.MaxFirmwareSize <= 0 {
		return fmt.Errorf("max-firmware-size must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	switch strings.ToLower(c.LogOutput) {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("log-output must be stdout or stderr, got %q", c.LogOutput)
	}
	return nil
}
