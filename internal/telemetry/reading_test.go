package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevice = ble.Device{Address: "AA:BB:CC:DD:EE:FF", Name: ble.DefaultTargetName}

func TestDecodeFifty(t *testing.T) {
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	r, err := Decode([]byte{0x00, 0x00, 0x48, 0x42}, testDevice, at)
	require.NoError(t, err)
	assert.Equal(t, float32(50.0), r.Celsius)
	assert.Equal(t, at, r.At)
	assert.Equal(t, testDevice, r.Device)
	assert.Equal(t, "50.00 °C", r.String())
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	r, err := Decode([]byte{0x00, 0x00, 0xbc, 0x41, 0xff, 0xff}, testDevice, time.Now())
	require.NoError(t, err)
	assert.Equal(t, float32(23.5), r.Celsius)
}

func TestDecodeShortPayload(t *testing.T) {
	for n := 0; n < PayloadSize; n++ {
		_, err := Decode(make([]byte, n), testDevice, time.Now())

		var de *DecodeError
		require.ErrorAs(t, err, &de, "len %d", n)
		assert.Equal(t, n, de.Len)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []float32{
		0, 50, -40, 23.5, 1e-3, -273.15,
		math.MaxFloat32, math.SmallestNonzeroFloat32,
		float32(math.Inf(1)), float32(math.Inf(-1)),
	}

	for _, v := range values {
		r, err := Decode(Encode(v), testDevice, time.Now())
		require.NoError(t, err)
		assert.Equal(t, math.Float32bits(v), math.Float32bits(r.Celsius), "value %v", v)
	}
}

func TestEncodeDecodeRoundTripNaN(t *testing.T) {
	nan := math.Float32frombits(0x7fc00001)
	r, err := Decode(Encode(nan), testDevice, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7fc00001), math.Float32bits(r.Celsius))
}
