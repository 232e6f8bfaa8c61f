package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DiscoveryState is the phase of a discovery attempt.
type DiscoveryState int

const (
	DiscoveryIdle DiscoveryState = iota
	DiscoveryCheckingKnown
	DiscoveryScanning
	DiscoveryResolved
	DiscoveryTimedOut
	DiscoveryFailed
)

func (s DiscoveryState) String() string {
	switch s {
	case DiscoveryIdle:
		return "idle"
	case DiscoveryCheckingKnown:
		return "checking-known"
	case DiscoveryScanning:
		return "scanning"
	case DiscoveryResolved:
		return "resolved"
	case DiscoveryTimedOut:
		return "timed-out"
	case DiscoveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a session in this state still owns the radio.
func (s DiscoveryState) active() bool {
	return s == DiscoveryCheckingKnown || s == DiscoveryScanning
}

// DiscoveryOptions configures the discovery engine.
type DiscoveryOptions struct {
	ServiceUUID string // service the live scan is restricted to
}

// DefaultDiscoveryOptions returns options for the FE60 service.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{ServiceUUID: ServiceUUID}
}

type discoveryResult struct {
	deviceID string
	err      error
}

// discoverySession is the record of one attempt. It is created by Start and
// discarded when the attempt reaches a terminal state.
type discoverySession struct {
	target   Target
	deadline time.Time
	state    DiscoveryState
	timer    *time.Timer
	// scanStarted is closed once the scan-start request returned.
	scanStarted chan struct{}
	// result receives exactly one value, from whichever path claims the
	// terminal transition.
	result chan discoveryResult
}

// DiscoveryEngine resolves a Target to a platform device ID. At most one
// attempt runs at a time.
type DiscoveryEngine struct {
	adapter *AdapterSession
	opts    DiscoveryOptions

	mu      sync.Mutex
	session *discoverySession
	last    DiscoveryState
	// stopping counts Stop calls issuing a scan-stop with no attempt to end.
	stopping int
}

// NewDiscoveryEngine creates an engine scanning through adapter.
func NewDiscoveryEngine(adapter *AdapterSession, opts DiscoveryOptions) *DiscoveryEngine {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ServiceUUID
	}
	return &DiscoveryEngine{adapter: adapter, opts: opts}
}

// State returns the state of the active attempt, or of the last one.
func (e *DiscoveryEngine) State() DiscoveryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session.state
	}
	return e.last
}

// Deadline returns the deadline of the active attempt, if it has one.
func (e *DiscoveryEngine) Deadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.deadline.IsZero() {
		return time.Time{}, false
	}
	return e.session.deadline, true
}

// Start looks for target, first among the devices the platform already
// knows and then with a live scan, and returns its device ID. A timeout of
// zero scans until ctx is done or Stop is called. Start returns ErrBusy if
// another attempt is running.
func (e *DiscoveryEngine) Start(ctx context.Context, target Target, timeout time.Duration) (string, error) {
	s, err := e.begin(target)
	if err != nil {
		return "", err
	}
	slog.Info("[BLE] discovery started", "target", target.String(), "timeout", timeout)

	// Subscribe before touching the platform so adapter loss is never missed.
	sub := e.adapter.subscribe(topicAvailability, topicDeviceFound)
	defer sub.cancel()

	scanning, err := e.checkKnown(s)
	if err != nil || !scanning {
		return e.await(ctx, s, sub)
	}

	e.mu.Lock()
	if s.state != DiscoveryScanning {
		e.mu.Unlock()
		close(s.scanStarted)
		return e.await(ctx, s, sub)
	}
	if timeout > 0 {
		s.deadline = time.Now().Add(timeout)
		s.timer = time.AfterFunc(timeout, func() {
			e.finish(s, DiscoveryTimedOut, discoveryResult{
				err: fmt.Errorf("ble: discover %s after %s: %w", target, timeout, ErrDeviceNotFound),
			})
		})
	}
	e.mu.Unlock()

	err = e.adapter.platform.StartScan(e.opts.ServiceUUID)
	close(s.scanStarted)
	if err != nil {
		kind := ErrScanFailed
		if isPermissionDenied(err) {
			kind = ErrAuthorizationRequired
		}
		slog.Error("[BLE] scan start failed", "error", err)
		e.finish(s, DiscoveryFailed, discoveryResult{err: fmt.Errorf("ble: start scan: %w: %w", kind, err)})
	}
	return e.await(ctx, s, sub)
}

// begin registers a new session or rejects the call.
func (e *DiscoveryEngine) begin(target Target) (*discoverySession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil || e.stopping > 0 {
		return nil, ErrBusy
	}
	if err := e.adapter.RequireAvailable(); err != nil {
		return nil, fmt.Errorf("ble: discover %s: %w", target, err)
	}
	s := &discoverySession{
		target: target,
		state:       DiscoveryCheckingKnown,
		scanStarted: make(chan struct{}),
		result:      make(chan discoveryResult, 1),
	}
	e.session = s
	return s, nil
}

// checkKnown evaluates every known device. It reports true when the
// session moved on to live scanning.
func (e *DiscoveryEngine) checkKnown(s *discoverySession) (bool, error) {
	known, err := e.adapter.platform.KnownDevices()
	if err != nil {
		err = fmt.Errorf("ble: list known devices: %w: %w", ErrScanFailed, err)
		e.finish(s, DiscoveryFailed, discoveryResult{err: err})
		return false, err
	}

	for _, dev := range known {
		if Matches(dev, s.target) {
			slog.Info("[BLE] target already known", "device", dev.DeviceID)
			e.finish(s, DiscoveryResolved, discoveryResult{deviceID: dev.DeviceID})
			return false, nil
		}
	}

	// The adapter may have gone while listing; its event is still queued.
	if err := e.adapter.RequireAvailable(); err != nil {
		err = fmt.Errorf("ble: discover %s: %w", s.target, err)
		e.finish(s, DiscoveryFailed, discoveryResult{err: err})
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.state != DiscoveryCheckingKnown {
		// Stopped or lost the adapter while listing.
		return false, nil
	}
	s.state = DiscoveryScanning
	slog.Debug("[BLE] target not among known devices, scanning", "known", len(known))
	return true, nil
}

// await waits for the session's single result while feeding it events.
func (e *DiscoveryEngine) await(ctx context.Context, s *discoverySession, sub *subscription) (string, error) {
	done, events := ctx.Done(), sub.C
	for {
		select {
		case res := <-s.result:
			return res.deviceID, res.err
		case <-done:
			done = nil
			e.finish(s, DiscoveryFailed, discoveryResult{err: ctx.Err()})
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleEvent(s, ev)
		}
	}
}

func (e *DiscoveryEngine) handleEvent(s *discoverySession, ev any) {
	switch ev := ev.(type) {
	case availabilityEvent:
		if !ev.available {
			e.finish(s, DiscoveryFailed, discoveryResult{
				err: fmt.Errorf("ble: discover %s: %w", s.target, ErrAdapterUnavailable),
			})
		}
	case DeviceFound:
		if len(ev.Devices) == 0 {
			return
		}
		dev := ev.Devices[0]
		if !Matches(dev, s.target) {
			return
		}
		if e.finish(s, DiscoveryResolved, discoveryResult{deviceID: dev.DeviceID}) {
			slog.Info("[BLE] target found", "device", dev.DeviceID, "name", dev.LocalName)
		}
	}
}

// finish claims the terminal transition for s. Only the first caller that
// still sees an active state wins: it stops the deadline timer and the
// scan, releases the engine and delivers the result. Later callers are
// no-ops.
func (e *DiscoveryEngine) finish(s *discoverySession, to DiscoveryState, res discoveryResult) bool {
	e.mu.Lock()
	if !s.state.active() {
		e.mu.Unlock()
		return false
	}
	wasScanning := s.state == DiscoveryScanning
	s.state = to
	if s.timer != nil {
		s.timer.Stop()
	}
	e.mu.Unlock()

	if wasScanning {
		// A stop sent before the start request returned would be lost.
		<-s.scanStarted
	}
	if wasScanning || to == DiscoveryIdle {
		e.stopScan()
	}

	// Release the engine only once the radio is idle again.
	e.mu.Lock()
	if e.session == s {
		e.session = nil
		e.last = to
	}
	e.mu.Unlock()

	if to == DiscoveryTimedOut {
		slog.Warn("[BLE] discovery timed out", "target", s.target.String())
	}
	s.result <- res
	return true
}

// Stop aborts any running attempt and always asks the platform to stop
// scanning. It never fails; a Start in flight returns ErrStopped. The
// engine accepts a new attempt only after the scan-stop request returned.
func (e *DiscoveryEngine) Stop() error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.last = DiscoveryIdle
		e.stopping++
	}
	e.mu.Unlock()

	if s != nil {
		e.finish(s, DiscoveryIdle, discoveryResult{err: ErrStopped})
		return nil
	}

	e.stopScan()
	e.mu.Lock()
	e.stopping--
	e.mu.Unlock()
	return nil
}

func (e *DiscoveryEngine) stopScan() {
	if err := e.adapter.platform.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
}
