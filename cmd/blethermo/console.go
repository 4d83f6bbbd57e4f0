package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/chaz8081/blethermo/internal/session"
	"github.com/chaz8081/blethermo/internal/supervisor"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

// consoleObserver prints the session status and temperature for a human.
// Poll cycles (Ready, Reading, Ready) are folded into one line.
type consoleObserver struct {
	mu   sync.Mutex
	out  io.Writer
	last session.State
	seen bool
}

var _ supervisor.Observer = (*consoleObserver)(nil)

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (c *consoleObserver) OnStatusChanged(state session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == session.Reading || (c.seen && state == c.last) {
		return
	}
	c.last, c.seen = state, true
	fmt.Fprintf(c.out, "%s %s\n", color.CyanString("Status:"), statusText(state))
}

func (c *consoleObserver) OnTemperature(r telemetry.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", color.GreenString("Temperature:"), color.New(color.Bold).Sprint(r.String()))
}

func (c *consoleObserver) OnError(kind session.ErrorKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	label := color.YellowString("Error (%s):", kind)
	if kind.Fatal() {
		label = color.RedString("Error (%s):", kind)
	}
	fmt.Fprintf(c.out, "%s %v\n", label, err)
	if kind == session.PermissionDenied {
		fmt.Fprintln(c.out, "  Grant Bluetooth access to this program and restart it.")
	}
}

func statusText(state session.State) string {
	switch state {
	case session.Idle:
		return "Waiting for BLE connection"
	case session.Scanning:
		return "Searching for the device..."
	case session.Connecting:
		return "Connecting..."
	case session.Connected:
		return "Connected"
	case session.DiscoveringServices:
		return "Connected. Discovering services..."
	case session.Ready:
		return "Ready"
	case session.Reading:
		return "Reading temperature..."
	case session.Disconnected:
		return "Disconnected. Restarting..."
	case session.Failed:
		return "Failed"
	}
	return state.String()
}
