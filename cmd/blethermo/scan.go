package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blethermo/internal/ble"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby BLE peripherals",
	Long: `Scans for Bluetooth Low Energy peripherals and lists their addresses,
signal strength and advertised names. The configured target is marked.

Examples:
  blethermo scan
  blethermo scan --duration 30s --named`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanNamed    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVar(&scanNamed, "named", false, "Only list peripherals that advertise a name")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", scanDuration)
	devices, err := collectDevices(ctx, ble.NewTinyGoAdapter(logger), scanDuration)
	if err != nil {
		return err
	}
	if scanNamed {
		named := devices[:0]
		for _, d := range devices {
			if d.Name != "" {
				named = append(named, d)
			}
		}
		devices = named
	}
	printDevices(cmd.OutOrStdout(), devices, cfg.TargetDeviceName)
	return nil
}

// collectDevices scans for d and returns each peripheral once, with its
// latest name and RSSI, strongest signal first.
func collectDevices(ctx context.Context, adapter ble.Adapter, d time.Duration) ([]ble.Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]ble.Device)
	err := adapter.Scan(ctx, ble.NameFilter{}, func(dev ble.Device) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[dev.Address]; ok && dev.Name == "" {
			dev.Name = prev.Name
		}
		seen[dev.Address] = dev
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]ble.Device, 0, len(seen))
	for _, dev := range seen {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}

func printDevices(out io.Writer, devices []ble.Device, target string) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME\t")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		mark := ""
		if d.Name != "" && d.Name == target {
			mark = color.GreenString("target")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.Address, d.RSSI, name, mark)
	}
	_ = w.Flush()
}
