// Package session implements the BLE central connection state machine:
// scan for a named peripheral, connect, discover its services, read one
// characteristic and recover from failures and disconnects. The machine is
// pure; it maps (state, event) to commands for the adapter and notices for
// observers and performs no I/O itself.
package session

// State is the lifecycle state of the session.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	DiscoveringServices
	Ready
	Reading
	Disconnected
	Failed
)

var stateNames = [...]string{
	Idle:                "Idle",
	Scanning:            "Scanning",
	Connecting:          "Connecting",
	Connected:           "Connected",
	DiscoveringServices: "DiscoveringServices",
	Ready:               "Ready",
	Reading:             "Reading",
	Disconnected:        "Disconnected",
	Failed:              "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// connected reports whether an open connection backs the state.
func (s State) connected() bool {
	switch s {
	case Connected, DiscoveringServices, Ready, Reading:
		return true
	}
	return false
}

// Handle identifies one connection attempt. Zero means no connection.
type Handle uint64
