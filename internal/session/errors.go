package session

import (
	"errors"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

// ErrNotReady rejects a read requested outside the Ready state.
var ErrNotReady = errors.New("session: not ready")

// ErrorKind classifies the failures reported to observers.
type ErrorKind int

const (
	ScanFailure ErrorKind = iota
	ConnectFailure
	DiscoveryFailure
	ReadFailure
	DecodeError
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case ScanFailure:
		return "ScanFailure"
	case ConnectFailure:
		return "ConnectFailure"
	case DiscoveryFailure:
		return "DiscoveryFailure"
	case ReadFailure:
		return "ReadFailure"
	case DecodeError:
		return "DecodeError"
	case PermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the kind stops automatic recovery. Only a denied
// permission needs an external grant.
func (k ErrorKind) Fatal() bool {
	return k == PermissionDenied
}

// classify picks the kind of an adapter error, falling back to the kind of
// the step that failed.
func classify(err error, step ErrorKind) ErrorKind {
	var de *telemetry.DecodeError
	switch {
	case errors.Is(err, ble.ErrPermissionDenied):
		return PermissionDenied
	case errors.As(err, &de):
		return DecodeError
	}
	return step
}
