package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

// Config names the peripheral and the characteristic the session reads.
type Config struct {
	TargetName     string
	Service        uuid.UUID
	Characteristic uuid.UUID
	// Now stamps decoded readings. Defaults to time.Now.
	Now func() time.Time
}

// Machine is the session state machine. It is not safe for concurrent use;
// the owner must feed it one event at a time.
type Machine struct {
	cfg Config

	state    State
	scanning bool
	handle   Handle // open connection or pending attempt
	last     Handle // last handle handed out
	device   ble.Device
	resolved bool // target characteristic found on handle
}

// New returns a machine in Idle.
func New(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ActiveHandle returns the handle owned by the session, or zero.
func (m *Machine) ActiveHandle() Handle { return m.handle }

// Scanning reports whether a scan the machine started is still running.
func (m *Machine) Scanning() bool { return m.scanning }

// Device returns the peripheral of the current or last connection.
func (m *Machine) Device() ble.Device { return m.device }

// Step applies ev and returns what the transition emits. Events that do not
// apply to the current state, or that carry a handle other than the active
// one, are dropped and yield an empty Output. The only error is ErrNotReady
// for a RequestRead outside Ready.
func (m *Machine) Step(ev Event) (Output, error) {
	var out Output

	switch e := ev.(type) {
	case Start:
		if m.state == Idle || m.state == Failed {
			m.beginScan(&out)
		}

	case Shutdown:
		m.shutdown(&out)

	case RequestRead:
		if m.state != Ready || !m.resolved {
			return out, fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
		}
		m.transition(&out, Reading)
		out.command(Read{
			Handle:         m.handle,
			Service:        m.cfg.Service,
			Characteristic: m.cfg.Characteristic,
		})

	case DeviceFound:
		// Late results of a scan already stopped land here too; the state
		// guard keeps them from starting a second connection.
		if m.state != Scanning || !m.isTarget(e.Device) {
			break
		}
		m.stopScan(&out)
		m.last++
		m.handle = m.last
		m.device = e.Device
		m.transition(&out, Connecting)
		out.command(Connect{Handle: m.handle, Device: e.Device})

	case ScanFailed:
		if m.state != Scanning {
			break
		}
		m.scanning = false
		m.fail(&out, classify(e.Err, ScanFailure), fmt.Errorf("session: scan: %w", e.Err))

	case ConnectSucceeded:
		if e.Handle != m.handle || m.state != Connecting {
			if e.Handle != m.handle && e.Handle != 0 {
				out.command(Close{Handle: e.Handle})
			}
			break
		}
		m.transition(&out, Connected)
		m.transition(&out, DiscoveringServices)
		out.command(Discover{Handle: m.handle})

	case ConnectFailed:
		if !m.owns(e.Handle, Connecting) {
			break
		}
		m.handle = 0
		out.notice(ErrorReported{
			Kind: classify(e.Err, ConnectFailure),
			Err:  fmt.Errorf("session: connect to %s: %w", m.device.Address, e.Err),
		})
		m.beginScan(&out)

	case ServicesDiscovered:
		if !m.owns(e.Handle, DiscoveringServices) {
			break
		}
		if !e.Services.Has(m.cfg.Service, m.cfg.Characteristic) {
			m.release(&out)
			m.fail(&out, DiscoveryFailure, fmt.Errorf("session: characteristic %s of service %s not found on %s",
				m.cfg.Characteristic, m.cfg.Service, m.device.Address))
			break
		}
		m.resolved = true
		m.transition(&out, Ready)

	case DiscoveryFailed:
		if !m.owns(e.Handle, DiscoveringServices) {
			break
		}
		out.notice(ErrorReported{
			Kind: classify(e.Err, DiscoveryFailure),
			Err:  fmt.Errorf("session: discover services: %w", e.Err),
		})
		m.release(&out)
		m.beginScan(&out)

	case ReadCompleted:
		if !m.owns(e.Handle, Reading) {
			break
		}
		m.transition(&out, Ready)
		reading, err := telemetry.Decode(e.Data, m.device, m.cfg.Now())
		if err != nil {
			out.notice(ErrorReported{Kind: DecodeError, Err: err})
			break
		}
		out.notice(TemperatureRead{Reading: reading})

	case ReadFailed:
		if !m.owns(e.Handle, Reading) {
			break
		}
		m.transition(&out, Ready)
		out.notice(ErrorReported{
			Kind: classify(e.Err, ReadFailure),
			Err:  fmt.Errorf("session: read %s: %w", m.cfg.Characteristic, e.Err),
		})

	case LinkLost:
		if e.Handle == 0 || e.Handle != m.handle {
			break
		}
		switch {
		case m.state == Connecting:
			m.handle = 0
			out.notice(ErrorReported{
				Kind: ConnectFailure,
				Err:  fmt.Errorf("session: link to %s lost while connecting", m.device.Address),
			})
			m.beginScan(&out)
		case m.state.connected():
			m.release(&out)
			m.transition(&out, Disconnected)
			m.beginScan(&out)
		}
	}

	return out, nil
}

func (m *Machine) isTarget(d ble.Device) bool {
	return d.Name != "" && d.Name == m.cfg.TargetName
}

// owns reports whether h is the active handle and the machine is in s.
func (m *Machine) owns(h Handle, s State) bool {
	return h != 0 && h == m.handle && m.state == s
}

func (m *Machine) transition(out *Output, s State) {
	if m.state == s {
		return
	}
	m.state = s
	out.notice(StatusChanged{State: s})
}

func (m *Machine) beginScan(out *Output) {
	m.scanning = true
	m.transition(out, Scanning)
	out.command(StartScan{})
}

func (m *Machine) stopScan(out *Output) {
	if !m.scanning {
		return
	}
	m.scanning = false
	out.command(StopScan{})
}

// release closes the active handle, if any.
func (m *Machine) release(out *Output) {
	if m.handle == 0 {
		return
	}
	out.command(Close{Handle: m.handle})
	m.handle = 0
	m.resolved = false
}

func (m *Machine) fail(out *Output, kind ErrorKind, err error) {
	out.notice(ErrorReported{Kind: kind, Err: err})
	m.transition(out, Failed)
	if !kind.Fatal() {
		out.command(ScheduleRetry{})
	}
}

func (m *Machine) shutdown(out *Output) {
	m.stopScan(out)
	m.release(out)
	m.transition(out, Idle)
}
