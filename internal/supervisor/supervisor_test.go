package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/session"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	testService = uuid.MustParse(ble.DefaultServiceUUID)
	testChar    = uuid.MustParse(ble.DefaultCharacteristicUUID)
	testTarget  = ble.Device{Address: "AA:BB:CC:DD:EE:FF", Name: ble.DefaultTargetName, RSSI: -45}
)

// recorder captures observer callbacks.
type recorder struct {
	mu       sync.Mutex
	states   []session.State
	readings []telemetry.Reading
	kinds    []session.ErrorKind
	errs     []error
}

func (r *recorder) OnStatusChanged(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnTemperature(reading telemetry.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
}

func (r *recorder) OnError(kind session.ErrorKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.errs = append(r.errs, err)
}

func (r *recorder) readingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func (r *recorder) errorKinds() []session.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.ErrorKind(nil), r.kinds...)
}

func (r *recorder) hasKind(kind session.ErrorKind) bool {
	for _, k := range r.errorKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions() Options {
	return Options{
		Session: session.Config{
			TargetName:     ble.DefaultTargetName,
			Service:        testService,
			Characteristic: testChar,
		},
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
		RetryBackoff:     time.Millisecond,
		RetryBackoffMax:  time.Millisecond,
	}
}

func thermometer(celsius float32) func() *mockConnection {
	return func() *mockConnection {
		return &mockConnection{
			services: ble.Services{testService: {testChar}},
			readData: telemetry.Encode(celsius),
		}
	}
}

// start runs sup in the background and returns a func that stops it and
// reports Run's result.
func start(t *testing.T, sup *Supervisor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(waitFor):
				runErr = errors.New("Run did not return")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestSupervisorReadsTemperatureOnReady(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{
		{Address: "11:22:33:44:55:66", Name: "Other"},
		testTarget,
	}, thermometer(50))
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return rec.readingCount() == 1 }, waitFor, tick)
	assert.Equal(t, session.Ready, sup.State())

	r, ok := sup.LastReading()
	require.True(t, ok)
	assert.Equal(t, float32(50), r.Celsius)
	assert.Equal(t, testTarget, r.Device)

	conn := adapter.latestConnection()
	require.NotNil(t, conn)
	assert.Equal(t, 1, conn.readCount(), "ReadInterval 0 reads once per connection")

	require.NoError(t, stop())
	assert.Equal(t, 1, conn.closeCount())
	_, active, connects, _ := adapter.counts()
	assert.Zero(t, active, "scan must be stopped")
	assert.Equal(t, 1, connects)
	assert.Equal(t, session.Idle, sup.State())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []session.State{
		session.Scanning,
		session.Connecting,
		session.Connected,
		session.DiscoveringServices,
		session.Ready,
		session.Reading,
		session.Ready,
		session.Idle,
	}, rec.states)
}

func TestSupervisorRescansAfterDisconnect(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, thermometer(21.5))
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return rec.readingCount() == 1 }, waitFor, tick)
	first := adapter.latestConnection()
	first.SimulateDisconnect()

	require.Eventually(t, func() bool { return rec.readingCount() == 2 }, waitFor, tick)
	second := adapter.latestConnection()
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, first.closeCount(), "dropped connection released once")
	assert.Zero(t, second.closeCount())

	require.NoError(t, stop())
	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 1, second.closeCount())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.states, session.Disconnected)
}

func TestSupervisorGivesUpAfterMaxRetries(t *testing.T) {
	other := uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	adapter := newMockAdapter([]ble.Device{testTarget}, func() *mockConnection {
		return &mockConnection{services: ble.Services{other: {testChar}}}
	})
	rec := &recorder{}
	opts := testOptions()
	opts.MaxRetries = 2
	sup := New(adapter, opts, quietLogger(), rec)

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)

	_, active, connects, _ := adapter.counts()
	assert.Equal(t, 3, connects)
	assert.Zero(t, active)
	for i, conn := range adapter.allConnections() {
		assert.Equal(t, 1, conn.closeCount(), "connection %d", i)
		assert.Zero(t, conn.readCount(), "connection %d", i)
	}
	assert.Equal(t, []session.ErrorKind{
		session.DiscoveryFailure,
		session.DiscoveryFailure,
		session.DiscoveryFailure,
	}, rec.errorKinds())
	assert.Equal(t, session.Idle, sup.State())
}

func TestSupervisorPermissionDeniedIsNotRetried(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, thermometer(20))
	adapter.enableErr = fmt.Errorf("%w: bluetooth scan not granted", ble.ErrPermissionDenied)
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return sup.State() == session.Failed }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	scans, _, connects, enables := adapter.counts()
	assert.Zero(t, scans)
	assert.Zero(t, connects)
	assert.Equal(t, 1, enables)
	assert.Equal(t, []session.ErrorKind{session.PermissionDenied}, rec.errorKinds())

	require.NoError(t, stop())
}

func TestSupervisorScanFailureRetries(t *testing.T) {
	adapter := newMockAdapter(nil, thermometer(20))
	adapter.scanErr = errors.New("org.bluez.Error.InProgress")
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool {
		scans, _, _, _ := adapter.counts()
		return scans >= 3
	}, waitFor, tick)
	assert.True(t, rec.hasKind(session.ScanFailure))

	require.NoError(t, stop())
}

func TestSupervisorReadFailureKeepsConnection(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, func() *mockConnection {
		return &mockConnection{
			services: ble.Services{testService: {testChar}},
			readErr:  &ble.ReadError{Status: 5},
		}
	})
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return rec.hasKind(session.ReadFailure) }, waitFor, tick)
	require.Eventually(t, func() bool { return sup.State() == session.Ready }, waitFor, tick)

	conn := adapter.latestConnection()
	assert.Zero(t, conn.closeCount())
	_, _, connects, _ := adapter.counts()
	assert.Equal(t, 1, connects)

	// The caller may retry.
	require.NoError(t, sup.RequestRead(context.Background()))
	require.Eventually(t, func() bool { return conn.readCount() == 2 }, waitFor, tick)

	require.NoError(t, stop())
}

func TestSupervisorDecodeErrorKeepsConnection(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, func() *mockConnection {
		return &mockConnection{
			services: ble.Services{testService: {testChar}},
			readData: []byte{0x01},
		}
	})
	rec := &recorder{}
	sup := New(adapter, testOptions(), quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return rec.hasKind(session.DecodeError) }, waitFor, tick)
	require.Eventually(t, func() bool { return sup.State() == session.Ready }, waitFor, tick)
	_, ok := sup.LastReading()
	assert.False(t, ok)

	require.NoError(t, stop())
}

func TestSupervisorConnectTimeout(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, thermometer(20))
	adapter.blockConnect = true
	rec := &recorder{}
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	sup := New(adapter, opts, quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool {
		_, _, connects, _ := adapter.counts()
		return connects >= 2
	}, waitFor, tick)
	assert.True(t, rec.hasKind(session.ConnectFailure))

	rec.mu.Lock()
	for _, err := range rec.errs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	rec.mu.Unlock()

	require.NoError(t, stop())
}

func TestSupervisorPollsAtInterval(t *testing.T) {
	adapter := newMockAdapter([]ble.Device{testTarget}, thermometer(19))
	rec := &recorder{}
	opts := testOptions()
	opts.ReadInterval = 10 * time.Millisecond
	sup := New(adapter, opts, quietLogger(), rec)
	stop := start(t, sup)

	require.Eventually(t, func() bool { return rec.readingCount() >= 3 }, waitFor, tick)
	_, _, connects, _ := adapter.counts()
	assert.Equal(t, 1, connects)

	require.NoError(t, stop())
}

func TestSupervisorRequestReadNotReady(t *testing.T) {
	adapter := newMockAdapter(nil, thermometer(20))
	sup := New(adapter, testOptions(), quietLogger())

	assert.ErrorIs(t, sup.RequestRead(context.Background()), ErrNotRunning)

	stop := start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == session.Scanning }, waitFor, tick)
	assert.ErrorIs(t, sup.RequestRead(context.Background()), session.ErrNotReady)

	require.NoError(t, stop())
	assert.ErrorIs(t, sup.RequestRead(context.Background()), ErrNotRunning)
}

func TestSupervisorRunOnlyOnce(t *testing.T) {
	adapter := newMockAdapter(nil, thermometer(20))
	sup := New(adapter, testOptions(), quietLogger())
	stop := start(t, sup)

	require.Eventually(t, func() bool { return sup.State() == session.Scanning }, waitFor, tick)
	assert.ErrorIs(t, sup.Run(context.Background()), ErrAlreadyStarted)

	require.NoError(t, stop())
}

func TestObserverFuncsSkipsNil(t *testing.T) {
	var got []session.State
	o := ObserverFuncs{Status: func(s session.State) { got = append(got, s) }}

	o.OnStatusChanged(session.Ready)
	o.OnTemperature(telemetry.Reading{})
	o.OnError(session.ReadFailure, errors.New("x"))
	assert.Equal(t, []session.State{session.Ready}, got)
}

func TestLogObserverLevels(t *testing.T) {
	logger, hook := newTestLogger()
	o := LogObserver{Logger: logger}

	o.OnStatusChanged(session.Scanning)
	o.OnTemperature(telemetry.Reading{Celsius: 22, Device: testTarget})
	o.OnError(session.ReadFailure, errors.New("status 5"))
	o.OnError(session.PermissionDenied, ble.ErrPermissionDenied)

	require.Len(t, hook.entries, 4)
	assert.Equal(t, logrus.InfoLevel, hook.entries[0].Level)
	assert.Equal(t, session.Scanning, hook.entries[0].Data["state"])
	assert.Equal(t, float32(22), hook.entries[1].Data["celsius"])
	assert.Equal(t, logrus.WarnLevel, hook.entries[2].Level)
	assert.Equal(t, logrus.ErrorLevel, hook.entries[3].Level)
}

// captureHook records log entries.
type captureHook struct {
	mu      sync.Mutex
	entries []logrus.Entry
}

func (h *captureHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *captureHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

func newTestLogger() (*logrus.Logger, *captureHook) {
	logger := quietLogger()
	hook := &captureHook{}
	logger.AddHook(hook)
	return logger, hook
}
