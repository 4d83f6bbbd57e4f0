package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blethermo/internal/config"
)

// loadConfig loads the config from --config, or falls back to the default
// config path, or uses built-in defaults. The result is validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "=== blethermo ===")
	fmt.Fprintf(w, "  Target:   %s\n", cfg.TargetDeviceName)
	fmt.Fprintf(w, "  Service:  %s\n", cfg.ServiceUUID)
	fmt.Fprintf(w, "  Char:     %s\n", cfg.CharacteristicUUID)
	if cfg.ReadIntervalMs > 0 {
		fmt.Fprintf(w, "  Interval: %dms\n", cfg.ReadIntervalMs)
	} else {
		fmt.Fprintln(w, "  Interval: once per connection")
	}
	fmt.Fprintf(w, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "=================")
}

func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(out)
	return logger
}
