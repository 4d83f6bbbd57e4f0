package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

// Event is an input to the machine: a supervisor request or an adapter
// completion. Connection-scoped events carry the Handle they belong to.
type Event interface {
	isEvent()
}

type (
	// Start begins scanning from Idle or Failed.
	Start struct{}

	// Shutdown tears the session down to Idle from any state.
	Shutdown struct{}

	// RequestRead asks for one characteristic read. Rejected with
	// ErrNotReady outside Ready.
	RequestRead struct{}

	DeviceFound struct {
		Device ble.Device
	}
	ScanFailed struct {
		Err error
	}
	ConnectSucceeded struct {
		Handle Handle
	}
	ConnectFailed struct {
		Handle Handle
		Err    error
	}
	ServicesDiscovered struct {
		Handle   Handle
		Services ble.Services
	}
	DiscoveryFailed struct {
		Handle Handle
		Err    error
	}
	ReadCompleted struct {
		Handle Handle
		Data   []byte
	}
	ReadFailed struct {
		Handle Handle
		Err    error
	}
	LinkLost struct {
		Handle Handle
	}
)

func (Start) isEvent()              {}
func (Shutdown) isEvent()           {}
func (RequestRead) isEvent()        {}
func (DeviceFound) isEvent()        {}
func (ScanFailed) isEvent()         {}
func (ConnectSucceeded) isEvent()   {}
func (ConnectFailed) isEvent()      {}
func (ServicesDiscovered) isEvent() {}
func (DiscoveryFailed) isEvent()    {}
func (ReadCompleted) isEvent()      {}
func (ReadFailed) isEvent()         {}
func (LinkLost) isEvent()           {}

// Command is an instruction for the adapter side, emitted by the machine.
type Command interface {
	isCommand()
}

type (
	StartScan struct{}
	StopScan  struct{}

	Connect struct {
		Handle Handle
		Device ble.Device
	}
	Discover struct {
		Handle Handle
	}
	Read struct {
		Handle         Handle
		Service        uuid.UUID
		Characteristic uuid.UUID
	}
	// Close releases the connection of Handle, or abandons its pending
	// connect attempt.
	Close struct {
		Handle Handle
	}
	// ScheduleRetry asks for a Start after the retry backoff.
	ScheduleRetry struct{}
)

func (StartScan) isCommand()     {}
func (StopScan) isCommand()      {}
func (Connect) isCommand()       {}
func (Discover) isCommand()      {}
func (Read) isCommand()          {}
func (Close) isCommand()         {}
func (ScheduleRetry) isCommand() {}

// Notice is an observer-facing report.
type Notice interface {
	isNotice()
}

type (
	StatusChanged struct {
		State State
	}
	TemperatureRead struct {
		Reading telemetry.Reading
	}
	ErrorReported struct {
		Kind ErrorKind
		Err  error
	}
)

func (StatusChanged) isNotice()   {}
func (TemperatureRead) isNotice() {}
func (ErrorReported) isNotice()   {}

func (e ErrorReported) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Output is what one transition produces, in emission order.
type Output struct {
	Commands []Command
	Notices  []Notice
}

func (o *Output) command(c Command) { o.Commands = append(o.Commands, c) }
func (o *Output) notice(n Notice)   { o.Notices = append(o.Notices, n) }

// Empty reports whether the event was ignored.
func (o Output) Empty() bool {
	return len(o.Commands) == 0 && len(o.Notices) == 0
}
