// Package telemetry decodes characteristic payloads into typed readings.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/chaz8081/blethermo/internal/ble"
)

// PayloadSize is the number of bytes of a temperature payload.
const PayloadSize = 4

// Reading is a decoded temperature sample.
type Reading struct {
	Celsius float32
	At      time.Time
	Device  ble.Device
}

func (r Reading) String() string {
	return fmt.Sprintf("%.2f °C", r.Celsius)
}

// DecodeError reports a payload too short to hold a value.
type DecodeError struct {
	Len int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("telemetry: payload has %d bytes, need %d", e.Len, PayloadSize)
}

// Decode reads a little-endian IEEE-754 float32 at offset 0. Trailing bytes
// are ignored.
func Decode(payload []byte, device ble.Device, at time.Time) (Reading, error) {
	if len(payload) < PayloadSize {
		return Reading{}, &DecodeError{Len: len(payload)}
	}
	bits := binary.LittleEndian.Uint32(payload[:PayloadSize])
	return Reading{
		Celsius: math.Float32frombits(bits),
		At:      at,
		Device:  device,
	}, nil
}

// Encode is the inverse of Decode.
func Encode(v float32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, PayloadSize), math.Float32bits(v))
}
