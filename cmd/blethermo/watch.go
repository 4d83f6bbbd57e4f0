package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/supervisor"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the target and display its temperature",
	Long: `Scans for the configured peripheral, connects, and reads the
temperature characteristic, rescanning after every disconnect.

Examples:
  # Use the config file (or defaults)
  blethermo watch

  # Another peripheral, polling every 5 seconds
  blethermo watch --target Nucleo-LAB --interval 5s

  # Read once per connection
  blethermo watch --interval 0`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	addWatchFlags(watchCmd)
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("target", "", "Advertised name of the peripheral (overrides config)")
	cmd.Flags().Duration("interval", -1, "Read polling interval, 0 reads once per connection (overrides config)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if target, _ := cmd.Flags().GetString("target"); target != "" {
		cfg.TargetDeviceName = target
	}
	if interval, _ := cmd.Flags().GetDuration("interval"); interval >= 0 {
		ms, err := intervalMillis(interval)
		if err != nil {
			return err
		}
		cfg.ReadIntervalMs = ms
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	printBanner(cmd.OutOrStdout(), cfg)

	adapter := ble.NewTinyGoAdapter(logger)
	sup := supervisor.New(adapter, cfg.SupervisorOptions(), logger,
		newConsoleObserver(cmd.OutOrStdout()),
		supervisor.LogObserver{Logger: logger},
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

// intervalMillis converts --interval to read_interval_ms. Zero keeps its
// read-once meaning, so a positive interval must be at least 1ms.
func intervalMillis(d time.Duration) (int, error) {
	if d > 0 && d < time.Millisecond {
		return 0, fmt.Errorf("--interval %s is below the 1ms resolution; use 0 to read once per connection", d)
	}
	return int(d / time.Millisecond), nil
}
