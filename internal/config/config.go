package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/session"
	"github.com/chaz8081/blethermo/internal/supervisor"
)

// Config holds all application configuration.
type Config struct {
	TargetDeviceName      string `yaml:"target_device_name"`
	ServiceUUID           string `yaml:"service_uuid"`
	CharacteristicUUID    string `yaml:"characteristic_uuid"`
	ConnectTimeoutMs      int    `yaml:"connect_timeout_ms"`
	OperationTimeoutMs    int    `yaml:"operation_timeout_ms"`
	ScanRetryBackoffMs    int    `yaml:"scan_retry_backoff_ms"`
	ScanRetryBackoffMaxMs int    `yaml:"scan_retry_backoff_max_ms"` // == backoff for a fixed delay
	MaxRetries            int    `yaml:"max_retries"`               // 0 = unlimited
	ReadIntervalMs        int    `yaml:"read_interval_ms"`          // 0 = read once per connection
	LogLevel              string `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blethermo")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config targeting the Nucleo thermometer.
func Default() *Config {
	return &Config{
		TargetDeviceName:      ble.DefaultTargetName,
		ServiceUUID:           ble.DefaultServiceUUID,
		CharacteristicUUID:    ble.DefaultCharacteristicUUID,
		ConnectTimeoutMs:      10000,
		OperationTimeoutMs:    5000,
		ScanRetryBackoffMs:    2000,
		ScanRetryBackoffMaxMs: 2000,
		MaxRetries:            0,
		ReadIntervalMs:        1000,
		LogLevel:              "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns "" without touching anything when the file exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte(defaultHeader), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

const defaultHeader = `# blethermo configuration
# scan_retry_backoff_max_ms equal to scan_retry_backoff_ms keeps the retry
# delay fixed; a larger value doubles it per consecutive failure.
`

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.TargetDeviceName == "" {
		return fmt.Errorf("target_device_name must not be empty")
	}
	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid %q: %w", c.ServiceUUID, err)
	}
	if _, err := uuid.Parse(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid %q: %w", c.CharacteristicUUID, err)
	}
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("connect_timeout_ms must be > 0")
	}
	if c.OperationTimeoutMs <= 0 {
		return fmt.Errorf("operation_timeout_ms must be > 0")
	}
	if c.ScanRetryBackoffMs < 0 {
		return fmt.Errorf("scan_retry_backoff_ms must be >= 0")
	}
	if c.ScanRetryBackoffMaxMs != 0 && c.ScanRetryBackoffMaxMs < c.ScanRetryBackoffMs {
		return fmt.Errorf("scan_retry_backoff_max_ms must be >= scan_retry_backoff_ms")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.ReadIntervalMs < 0 {
		return fmt.Errorf("read_interval_ms must be >= 0")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the logrus level named by LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
}

// NewLogger creates a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// SupervisorOptions converts the config for the supervisor. Call Validate
// first; invalid UUIDs become uuid.Nil.
func (c *Config) SupervisorOptions() supervisor.Options {
	backoffMax := c.ScanRetryBackoffMaxMs
	if backoffMax == 0 {
		backoffMax = c.ScanRetryBackoffMs
	}
	return supervisor.Options{
		Session: session.Config{
			TargetName:     c.TargetDeviceName,
			Service:        parseUUID(c.ServiceUUID),
			Characteristic: parseUUID(c.CharacteristicUUID),
		},
		ConnectTimeout:   millis(c.ConnectTimeoutMs),
		OperationTimeout: millis(c.OperationTimeoutMs),
		RetryBackoff:     millis(c.ScanRetryBackoffMs),
		RetryBackoffMax:  millis(backoffMax),
		MaxRetries:       c.MaxRetries,
		ReadInterval:     millis(c.ReadIntervalMs),
	}
}

func parseUUID(s string) uuid.UUID {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return u
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
