// Package ble is the seam between the session logic and a platform BLE
// central stack. It defines the adapter capability the session drives
// (scan, connect, discover, read, close) and a tinygo-org/bluetooth backed
// implementation of it.
package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Default GATT identifiers of the Nucleo temperature peripheral.
const (
	DefaultTargetName         = "Nucleo-TARQUINY"
	DefaultServiceUUID        = "00000000-0001-11e1-ac36-0002a5d5c51b"
	DefaultCharacteristicUUID = "00040000-0001-11e1-ac36-0002a5d5c51b"
)

var (
	// ErrPermissionDenied is returned by Enable when the platform refuses
	// Bluetooth access. It is not retried automatically.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrAdapterDisabled is returned by Enable when the radio is off.
	ErrAdapterDisabled = errors.New("ble: adapter not enabled")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("ble: connection closed")
)

// ReadError carries the transport status of a failed characteristic read.
type ReadError struct {
	Status int
	Err    error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: read failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("ble: read failed (status %d)", e.Status)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Device identifies a discovered peripheral. Address is the platform handle
// (a MAC on Linux, a CoreBluetooth UUID on macOS). Name is empty when the
// peripheral did not advertise one.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

// Services maps each discovered service to the characteristics it exposes.
type Services map[uuid.UUID][]uuid.UUID

// Has reports whether the characteristic is exposed by the given service.
func (s Services) Has(service, characteristic uuid.UUID) bool {
	for _, c := range s[service] {
		if c == characteristic {
			return true
		}
	}
	return false
}

// NameFilter selects the peripherals a scan reports. An empty Name reports
// every peripheral.
type NameFilter struct {
	Name string
}

// Match reports whether d passes the filter. Peripherals without an
// advertised name never match a non-empty filter.
func (f NameFilter) Match(d Device) bool {
	if f.Name == "" {
		return true
	}
	return d.Name != "" && d.Name == f.Name
}

// Connection is an open transport connection to a peripheral.
type Connection interface {
	// DiscoverServices returns every service and its characteristics.
	DiscoverServices(ctx context.Context) (Services, error)
	// ReadCharacteristic reads the current value of a characteristic.
	// Transport failures are reported as *ReadError.
	ReadCharacteristic(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error)
	// OnDisconnect registers a callback fired once when the link drops,
	// whatever the cause.
	OnDisconnect(callback func())
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the adapter and checks platform permissions. It must
	// succeed before any scan is started.
	Enable() error
	// Scan reports peripherals passing filter to found until ctx is
	// cancelled, which is the only way to stop it. It returns nil after a
	// cancellation and an error if the platform scan fails.
	Scan(ctx context.Context, filter NameFilter, found func(Device)) error
	// Connect opens a connection to the device.
	Connect(ctx context.Context, device Device) (Connection, error)
}
