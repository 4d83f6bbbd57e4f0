package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS device addresses are CoreBluetooth
// UUIDs, not MAC addresses; Device.Address stores whichever the platform
// reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	// enable and setConnectHandler are the radio calls, replaced in tests.
	enable            func() error
	setConnectHandler func(func(bluetooth.Device, bool))

	enableMu sync.Mutex
	enabled  bool
	denied   error // permission errors stick until the process restarts

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates an adapter over the platform default radio.
func NewTinyGoAdapter(logger *logrus.Logger) *TinyGoAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	adapter := bluetooth.DefaultAdapter
	return &TinyGoAdapter{
		adapter:           adapter,
		logger:            logger,
		enable:            adapter.Enable,
		setConnectHandler: adapter.SetConnectHandler,
		connections:       make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the radio. A successful enable is kept; a radio that is
// off is tried again on the next call. A denied permission keeps being
// reported until the process restarts.
func (a *TinyGoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if a.denied != nil {
		return a.denied
	}
	if err := a.enable(); err != nil {
		err = classifyEnableError(err)
		if errors.Is(err, ErrPermissionDenied) {
			a.denied = err
		}
		return err
	}
	a.enabled = true

	// The adapter-level handler is the only disconnect signal tinygo
	// gives on every platform.
	a.setConnectHandler(a.handleConnect)
	return nil
}

func (a *TinyGoAdapter) handleConnect(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	a.disconnected(device.Address.String())
}

func (a *TinyGoAdapter) disconnected(addr string) {
	a.mu.Lock()
	conn, ok := a.connections[addr]
	delete(a.connections, addr)
	a.mu.Unlock()
	if ok {
		conn.fireDisconnect()
	}
}

func classifyEnableError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "notpermitted"),
		strings.Contains(msg, "notauthorized"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "powered"), strings.Contains(msg, "not ready"):
		return fmt.Errorf("%w: %v", ErrAdapterDisabled, err)
	}
	return fmt.Errorf("ble: enable adapter: %w", err)
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter NameFilter, found func(Device)) error {
	if ctx.Err() != nil {
		return nil
	}
	done := make(chan struct{})
	go stopScanWhenDone(ctx, done, a.adapter.StopScan, stopScanRetry, a.logger)

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		}
		if !filter.Match(d) {
			return
		}
		found(d)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// stopScanRetry paces StopScan attempts while a cancelled scan is still
// running.
const stopScanRetry = 50 * time.Millisecond

// stopScanWhenDone calls stop once ctx ends and retries until done closes.
// tinygo rejects StopScan until its scan has registered, so a single call
// made right after the scan starts can be lost.
func stopScanWhenDone(ctx context.Context, done <-chan struct{}, stop func() error, retry time.Duration, logger *logrus.Logger) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		err := stop()
		if err == nil {
			<-done
			return
		}
		logger.WithError(err).Debug("Stop scan")
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, device Device) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(device.Address)

	// tinygo's Connect blocks with its own timeout and cannot be cancelled;
	// ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		d, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{d, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Release a connection that completes after we gave up.
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", device.Address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", device.Address, r.err)
		}
		conn := &tinyGoConnection{
			adapter: a,
			address: device.Address,
			device:  r.device,
		}
		a.mu.Lock()
		a.connections[device.Address] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(address string, conn *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[address] == conn {
		delete(a.connections, address)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	closed       bool
	disconnected bool
	notified     bool // disconnectCb has been called
	disconnectCb func()

	// chars caches discovered characteristics keyed by characteristic UUID.
	chars map[uuid.UUID]bluetooth.DeviceCharacteristic
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) (Services, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return withContext(ctx, func() (Services, error) {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}

		services := make(Services, len(svcs))
		chars := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
		for i := range svcs {
			svcID, err := uuid.Parse(svcs[i].UUID().String())
			if err != nil {
				continue
			}
			found, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcID, err)
			}
			ids := make([]uuid.UUID, 0, len(found))
			for j := range found {
				charID, err := uuid.Parse(found[j].UUID().String())
				if err != nil {
					continue
				}
				ids = append(ids, charID)
				chars[charID] = found[j]
			}
			services[svcID] = ids
		}

		c.mu.Lock()
		c.chars = chars
		c.mu.Unlock()
		return services, nil
	})
}

func (c *tinyGoConnection) ReadCharacteristic(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	char, ok := c.chars[characteristic]
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, &ReadError{Status: statusAttributeNotFound,
			Err: fmt.Errorf("characteristic %s of service %s not discovered", characteristic, service)}
	}

	return withContext(ctx, func() ([]byte, error) {
		buf := make([]byte, maxAttributeLen)
		n, err := char.Read(buf)
		if err != nil {
			return nil, &ReadError{Status: statusUnlikelyError, Err: err}
		}
		return buf[:n], nil
	})
}

// OnDisconnect registers cb. A link that dropped before registration is
// reported to cb right away.
func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	fire := cb != nil && c.disconnected && !c.notified
	if fire {
		c.notified = true
	}
	c.mu.Unlock()
	if fire {
		cb()
	}
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	cb := c.disconnectCb
	if cb != nil {
		c.notified = true
	}
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *tinyGoConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.adapter.forget(c.address, c)
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.address, err)
	}
	return nil
}

func (c *tinyGoConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ATT error codes used when the platform does not surface one.
const (
	statusAttributeNotFound = 0x0a
	statusUnlikelyError     = 0x0e
)

// withContext runs a blocking tinygo call and stops waiting when ctx ends.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
