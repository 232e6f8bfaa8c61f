package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// AdapterState is the availability of the local Bluetooth adapter.
type AdapterState int32

const (
	AdapterUnknown AdapterState = iota
	AdapterAvailable
	AdapterUnavailable
)

func (s AdapterState) String() string {
	switch s {
	case AdapterAvailable:
		return "available"
	case AdapterUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// AdapterSession owns the adapter lifecycle and turns platform callbacks
// into event streams for the discovery and connection sessions.
type AdapterSession struct {
	platform Platform
	bus      *eventBus

	state atomic.Int32
	// links tracks the last reported link state per device.
	links *xsync.MapOf[string, bool]

	registerOnce sync.Once
}

// NewAdapterSession wraps platform. Call Open before discovering.
func NewAdapterSession(platform Platform) *AdapterSession {
	return &AdapterSession{
		platform: platform,
		bus:      newEventBus(),
		links:    xsync.NewMapOf[string, bool](),
	}
}

// Platform returns the underlying platform.
func (s *AdapterSession) Platform() Platform {
	return s.platform
}

// Open initializes the adapter and verifies it is available.
func (s *AdapterSession) Open() error {
	s.registerOnce.Do(s.registerHandlers)

	if err := s.platform.Open(); err != nil {
		s.setUnavailable()
		return fmt.Errorf("ble: open adapter: %w: %w", ErrAdapterUnavailable, err)
	}

	if _, err := s.Refresh(); err != nil {
		return err
	}
	slog.Info("[BLE] adapter open")
	return nil
}

// Refresh queries the platform for the current adapter state. An
// unavailable adapter is reported as ErrAdapterUnavailable.
func (s *AdapterSession) Refresh() (AdapterState, error) {
	available, err := s.platform.Available()
	if err != nil {
		s.setUnavailable()
		return AdapterUnavailable, fmt.Errorf("ble: adapter state: %w: %w", ErrAdapterUnavailable, err)
	}
	if !available {
		s.setUnavailable()
		return AdapterUnavailable, ErrAdapterUnavailable
	}
	s.setAvailable()
	return AdapterAvailable, nil
}

// Close releases the adapter. Dependent sessions are terminated through
// the availability stream.
func (s *AdapterSession) Close() error {
	err := s.platform.Close()
	s.setUnavailable()
	if err != nil {
		return fmt.Errorf("ble: close adapter: %w", err)
	}
	slog.Info("[BLE] adapter closed")
	return nil
}

// State returns the last known adapter state.
func (s *AdapterSession) State() AdapterState {
	return AdapterState(s.state.Load())
}

// RequireAvailable returns ErrAdapterUnavailable unless the adapter is available.
func (s *AdapterSession) RequireAvailable() error {
	if s.State() != AdapterAvailable {
		return ErrAdapterUnavailable
	}
	return nil
}

// Connected reports whether any peripheral link is up.
func (s *AdapterSession) Connected() bool {
	up := false
	s.links.Range(func(_ string, connected bool) bool {
		up = up || connected
		return !up
	})
	return up
}

// LinkUp reports whether the platform last reported deviceID as connected.
func (s *AdapterSession) LinkUp(deviceID string) bool {
	connected, _ := s.links.Load(deviceID)
	return connected
}

func (s *AdapterSession) registerHandlers() {
	s.platform.OnAvailabilityChange(func(available bool) {
		if available {
			s.setAvailable()
		} else {
			s.setUnavailable()
		}
	})
	s.platform.OnDeviceFound(func(ev DeviceFound) {
		s.bus.publish(topicDeviceFound, ev)
	})
	s.platform.OnConnectionChange(func(ev ConnectionChange) {
		s.markLink(ev.DeviceID, ev.Connected)
		slog.Debug("[BLE] connection change", "device", ev.DeviceID, "connected", ev.Connected)
		s.bus.publish(topicConnection, ev)
	})
	s.platform.OnCharacteristicChange(func(ev CharacteristicValue) {
		s.bus.publish(topicCharacteristic, ev)
	})
}

// markLink records a link state. Called by the connection session as well,
// so a successful connect is visible before the platform's own event.
func (s *AdapterSession) markLink(deviceID string, connected bool) {
	if deviceID == "" {
		return
	}
	if connected {
		s.links.Store(deviceID, true)
	} else {
		s.links.Delete(deviceID)
	}
}

func (s *AdapterSession) setAvailable() {
	if AdapterState(s.state.Swap(int32(AdapterAvailable))) != AdapterAvailable {
		slog.Info("[BLE] adapter available")
		s.bus.publish(topicAvailability, availabilityEvent{available: true})
	}
}

// setUnavailable drops every link before announcing the loss, so the
// global connected flag is already false when sessions react.
func (s *AdapterSession) setUnavailable() {
	s.links.Clear()
	if AdapterState(s.state.Swap(int32(AdapterUnavailable))) != AdapterUnavailable {
		slog.Warn("[BLE] adapter unavailable")
		s.bus.publish(topicAvailability, availabilityEvent{available: false})
	}
}

func (s *AdapterSession) subscribe(topics ...eventTopic) *subscription {
	return s.bus.subscribe(topics...)
}
