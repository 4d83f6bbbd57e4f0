// Package supervisor drives a session state machine from a real BLE adapter.
// It runs a single event loop that feeds adapter completions to the machine
// one at a time, carries out the commands the machine emits, applies retry
// backoff and operation timeouts, and forwards notices to observers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chaz8081/blethermo/internal/ble"
	"github.com/chaz8081/blethermo/internal/session"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

var (
	// ErrRetriesExhausted is returned by Run when MaxRetries consecutive
	// failures tore the session down.
	ErrRetriesExhausted = errors.New("supervisor: retries exhausted")
	// ErrNotRunning is returned by RequestRead when Run is not active.
	ErrNotRunning = errors.New("supervisor: not running")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("supervisor: already started")
)

// Options configures a Supervisor.
type Options struct {
	Session session.Config

	ConnectTimeout   time.Duration // bound on one connect attempt
	OperationTimeout time.Duration // bound on discovery and reads
	RetryBackoff     time.Duration // delay before restarting after Failed
	RetryBackoffMax  time.Duration // cap for the doubled delay; <= RetryBackoff means fixed
	MaxRetries       int           // consecutive failures tolerated; 0 means unlimited
	ReadInterval     time.Duration // periodic read polling; 0 reads once per connection
}

// DefaultOptions returns the defaults for the Nucleo thermometer.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		RetryBackoff:     2 * time.Second,
		RetryBackoffMax:  2 * time.Second,
		ReadInterval:     time.Second,
	}
}

// envelope carries an event into the loop with what the machine cannot
// hold: the live connection of a successful connect and the scan that
// produced a scan failure.
type envelope struct {
	ev   session.Event
	conn ble.Connection
	scan uint64
}

type readRequest struct {
	reply chan error
}

// Supervisor owns the single active session and its connection.
type Supervisor struct {
	adapter   ble.Adapter
	opts      Options
	logger    *logrus.Logger
	observers []Observer

	events   chan envelope
	requests chan readRequest
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	wg       sync.WaitGroup

	// Owned by the loop goroutine.
	machine    *session.Machine
	runCtx     context.Context
	queue      []envelope
	scanGen    uint64
	scanCancel context.CancelFunc
	pending    map[session.Handle]context.CancelFunc
	conns      map[session.Handle]ble.Connection
	retryTimer *time.Timer
	failures   int
	exhausted  bool

	// mu protects the snapshot read by State and LastReading.
	mu          sync.RWMutex
	state       session.State
	lastReading *telemetry.Reading
}

// New creates a supervisor. Observers receive every notice in order.
func New(adapter ble.Adapter, opts Options, logger *logrus.Logger, observers ...Observer) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	return &Supervisor{
		adapter:   adapter,
		opts:      opts,
		logger:    logger,
		observers: observers,
		events:    make(chan envelope, 64),
		requests:  make(chan readRequest),
		done:      make(chan struct{}),
		machine:   session.New(opts.Session),
		pending:   make(map[session.Handle]context.CancelFunc),
		conns:     make(map[session.Handle]ble.Connection),
	}
}

// State returns the latest reported session state.
func (s *Supervisor) State() session.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastReading returns the most recent decoded temperature, if any.
func (s *Supervisor) LastReading() (telemetry.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReading == nil {
		return telemetry.Reading{}, false
	}
	return *s.lastReading, true
}

// RequestRead asks for one characteristic read. It returns
// session.ErrNotReady unless the session is Ready, and never waits for the
// read itself; the value arrives through OnTemperature.
func (s *Supervisor) RequestRead(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	req := readRequest{reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the session and processes events until ctx is cancelled or
// retries are exhausted. On return the scan is stopped and the connection
// closed. A cancelled ctx is a normal shutdown and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.running.Store(true)

	if s.opts.ReadInterval > 0 {
		s.wg.Add(1)
		go s.poll(runCtx)
	}

	s.logger.WithFields(logrus.Fields{
		"target":         s.opts.Session.TargetName,
		"service":        s.opts.Session.Service,
		"characteristic": s.opts.Session.Characteristic,
	}).Info("Starting BLE session")

	s.dispatch(envelope{ev: session.Start{}})

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case env := <-s.events:
			s.dispatch(env)
		case req := <-s.requests:
			req.reply <- s.dispatch(envelope{ev: session.RequestRead{}})
		}
		if s.exhausted {
			err = fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, s.failures)
			break loop
		}
	}

	s.teardown(cancel)
	return err
}

func (s *Supervisor) teardown(cancel context.CancelFunc) {
	s.running.Store(false)
	s.dispatch(envelope{ev: session.Shutdown{}})
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	cancel()
	close(s.done)
	s.wg.Wait()

	// Connections delivered after the loop stopped are still ours.
drain:
	for {
		select {
		case env := <-s.events:
			if env.conn != nil {
				_ = env.conn.Close()
			}
		default:
			break drain
		}
	}
	for h, conn := range s.conns {
		s.closeConn(h, conn)
	}
	s.logger.Info("BLE session stopped")
}

// post delivers an event from a background goroutine. It reports false
// once the loop has stopped.
func (s *Supervisor) post(env envelope) bool {
	select {
	case s.events <- env:
		return true
	case <-s.done:
		return false
	}
}

// dispatch feeds env to the machine, then any events the resulting
// commands produced synchronously. It returns the machine's rejection of
// the first event, if any.
func (s *Supervisor) dispatch(env envelope) error {
	s.queue = append(s.queue, env)
	var first error
	for i := 0; len(s.queue) > 0; i++ {
		next := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.apply(next); i == 0 {
			first = err
		}
	}
	return first
}

func (s *Supervisor) enqueue(ev session.Event) {
	s.queue = append(s.queue, envelope{ev: ev})
}

func (s *Supervisor) apply(env envelope) error {
	switch ev := env.ev.(type) {
	case session.ScanFailed:
		if env.scan != s.scanGen {
			s.logger.WithError(ev.Err).Debug("Dropping failure of a previous scan")
			return nil
		}
		s.scanCancel = nil
	case session.ConnectSucceeded:
		s.settleConnect(ev.Handle)
		s.conns[ev.Handle] = env.conn
		h := ev.Handle
		env.conn.OnDisconnect(func() {
			// The adapter may fire this from inside Close on the loop.
			go s.post(envelope{ev: session.LinkLost{Handle: h}})
		})
	case session.ConnectFailed:
		s.settleConnect(ev.Handle)
	}

	before := s.machine.State()
	out, err := s.machine.Step(env.ev)
	if err != nil {
		s.logger.WithError(err).Debug("Request rejected")
		return err
	}
	if out.Empty() {
		s.logger.WithField("event", fmt.Sprintf("%T", env.ev)).Debug("Event ignored")
		return nil
	}

	for _, cmd := range out.Commands {
		s.execute(cmd)
	}
	for _, n := range out.Notices {
		s.notify(n)
	}

	if before == session.DiscoveringServices && s.machine.State() == session.Ready {
		s.failures = 0
		// Read as soon as the characteristic is resolved.
		s.enqueue(session.RequestRead{})
	}
	return nil
}

func (s *Supervisor) settleConnect(h session.Handle) {
	if cancel, ok := s.pending[h]; ok {
		cancel()
		delete(s.pending, h)
	}
}

func (s *Supervisor) execute(cmd session.Command) {
	switch c := cmd.(type) {
	case session.StartScan:
		s.startScan()

	case session.StopScan:
		s.stopScan()

	case session.Connect:
		s.logger.WithFields(logrus.Fields{
			"address": c.Device.Address,
			"name":    c.Device.Name,
			"rssi":    c.Device.RSSI,
		}).Info("Connecting to device")
		ctx, cancel := context.WithTimeout(s.runCtx, s.opts.ConnectTimeout)
		s.pending[c.Handle] = cancel
		s.background(func() {
			conn, err := s.adapter.Connect(ctx, c.Device)
			if err != nil {
				s.post(envelope{ev: session.ConnectFailed{Handle: c.Handle, Err: err}})
				return
			}
			if !s.post(envelope{ev: session.ConnectSucceeded{Handle: c.Handle}, conn: conn}) {
				_ = conn.Close()
			}
		})

	case session.Discover:
		conn, ok := s.conns[c.Handle]
		if !ok {
			s.enqueue(session.DiscoveryFailed{Handle: c.Handle, Err: ble.ErrClosed})
			return
		}
		s.background(func() {
			ctx, cancel := context.WithTimeout(s.runCtx, s.opts.OperationTimeout)
			defer cancel()
			services, err := conn.DiscoverServices(ctx)
			if err != nil {
				s.post(envelope{ev: session.DiscoveryFailed{Handle: c.Handle, Err: err}})
				return
			}
			s.post(envelope{ev: session.ServicesDiscovered{Handle: c.Handle, Services: services}})
		})

	case session.Read:
		conn, ok := s.conns[c.Handle]
		if !ok {
			s.enqueue(session.ReadFailed{Handle: c.Handle, Err: ble.ErrClosed})
			return
		}
		s.background(func() {
			ctx, cancel := context.WithTimeout(s.runCtx, s.opts.OperationTimeout)
			defer cancel()
			data, err := conn.ReadCharacteristic(ctx, c.Service, c.Characteristic)
			if err != nil {
				s.post(envelope{ev: session.ReadFailed{Handle: c.Handle, Err: err}})
				return
			}
			s.post(envelope{ev: session.ReadCompleted{Handle: c.Handle, Data: data}})
		})

	case session.Close:
		s.settleConnect(c.Handle)
		if conn, ok := s.conns[c.Handle]; ok {
			s.closeConn(c.Handle, conn)
		}

	case session.ScheduleRetry:
		s.scheduleRetry()
	}
}

func (s *Supervisor) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Supervisor) startScan() {
	if s.scanCancel != nil {
		return
	}
	s.scanGen++
	gen := s.scanGen

	// Permission and power are checked before every scan.
	if err := s.adapter.Enable(); err != nil {
		s.queue = append(s.queue, envelope{ev: session.ScanFailed{Err: err}, scan: gen})
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.scanCancel = cancel
	filter := ble.NameFilter{Name: s.opts.Session.TargetName}
	s.logger.WithField("target", filter.Name).Info("Scanning")

	s.background(func() {
		err := s.adapter.Scan(ctx, filter, func(d ble.Device) {
			// Scan results repeat; drop rather than stall the platform
			// callback when the loop is behind.
			select {
			case s.events <- envelope{ev: session.DeviceFound{Device: d}}:
			default:
				s.logger.WithField("address", d.Address).Debug("Event queue full, dropping scan result")
			}
		})
		if err != nil {
			s.post(envelope{ev: session.ScanFailed{Err: err}, scan: gen})
		}
	})
}

func (s *Supervisor) stopScan() {
	if s.scanCancel == nil {
		return
	}
	s.scanCancel()
	s.scanCancel = nil
	s.logger.Debug("Scan stopped")
}

func (s *Supervisor) closeConn(h session.Handle, conn ble.Connection) {
	delete(s.conns, h)
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).WithField("handle", h).Warn("Closing connection")
		return
	}
	s.logger.WithField("handle", h).Debug("Connection closed")
}

func (s *Supervisor) scheduleRetry() {
	s.failures++
	if s.opts.MaxRetries > 0 && s.failures > s.opts.MaxRetries {
		s.logger.WithField("failures", s.failures).Error("Giving up after repeated failures")
		s.exhausted = true
		return
	}

	delay := backoffDelay(s.failures-1, s.opts.RetryBackoff, s.opts.RetryBackoffMax)
	s.logger.WithFields(logrus.Fields{
		"attempt": s.failures,
		"delay":   delay,
	}).Info("Retry backoff")

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.post(envelope{ev: session.Start{}})
	})
}

func (s *Supervisor) notify(n session.Notice) {
	switch n := n.(type) {
	case session.StatusChanged:
		s.mu.Lock()
		s.state = n.State
		s.mu.Unlock()
		for _, o := range s.observers {
			o.OnStatusChanged(n.State)
		}
	case session.TemperatureRead:
		r := n.Reading
		s.mu.Lock()
		s.lastReading = &r
		s.mu.Unlock()
		for _, o := range s.observers {
			o.OnTemperature(r)
		}
	case session.ErrorReported:
		for _, o := range s.observers {
			o.OnError(n.Kind, n.Err)
		}
	}
}

// poll requests a read every ReadInterval.
func (s *Supervisor) poll(ctx context.Context) {
	defer s.wg.Done()
	limiter := rate.NewLimiter(rate.Every(s.opts.ReadInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := s.RequestRead(ctx)
		switch {
		case err == nil, errors.Is(err, session.ErrNotReady):
		case errors.Is(err, ErrNotRunning), ctx.Err() != nil:
			return
		default:
			s.logger.WithError(err).Debug("Poll read")
		}
	}
}
