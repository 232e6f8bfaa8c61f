package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockPlatform simulates the BLE stack. Handlers registered by the adapter
// session are invoked synchronously by the emit helpers.
type mockPlatform struct {
	mu sync.Mutex

	available    bool
	availableErr error
	openErr      error

	known        []DiscoveredDevice
	knownErr     error
	startScanErr error
	// afterKnown runs after KnownDevices returns its list.
	afterKnown func()
	// beforeStopScan runs once, at the start of the next StopScan.
	beforeStopScan func()

	connectErr    error
	disconnectErr error
	grantedMTU    int // zero echoes the requested MTU
	setMTUErr     error
	// afterSetMTU runs after SetMTU returns its value, while Connect is
	// still negotiating.
	afterSetMTU func()

	services     []string
	servicesErr  error
	chars        []CharacteristicInfo
	charsErr     error
	subscribeErr error
	writeErr     error
	readValue    []byte
	readErr      error

	startScans  int
	stopScans   int
	connects    int
	disconnects int
	setMTUCalls int
	scanning    bool
	notifying   bool
	writes      [][]byte
	reads       []string

	onAvailability func(bool)
	onDeviceFound  func(DeviceFound)
	onConnection   func(ConnectionChange)
	onValue        func(CharacteristicValue)
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		available: true,
		services:  []string{"0000180a-0000-1000-8000-00805f9b34fb", ServiceUUID},
		chars: []CharacteristicInfo{
			{UUID: WriteCharacteristicID, Write: true},
			{UUID: NotifyCharacteristicID, Notify: true},
		},
	}
}

func (p *mockPlatform) Available() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available, p.availableErr
}

func (p *mockPlatform) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openErr
}

func (p *mockPlatform) Close() error { return nil }

func (p *mockPlatform) OnAvailabilityChange(handler func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAvailability = handler
}

func (p *mockPlatform) KnownDevices() ([]DiscoveredDevice, error) {
	p.mu.Lock()
	known, err, after := p.known, p.knownErr, p.afterKnown
	p.mu.Unlock()

	if after != nil {
		after()
	}
	return known, err
}

func (p *mockPlatform) StartScan(_ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startScans++
	if p.startScanErr != nil {
		return p.startScanErr
	}
	p.scanning = true
	return nil
}

func (p *mockPlatform) StopScan() error {
	p.mu.Lock()
	before := p.beforeStopScan
	p.beforeStopScan = nil
	p.mu.Unlock()

	if before != nil {
		before()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopScans++
	p.scanning = false
	return nil
}

func (p *mockPlatform) OnDeviceFound(handler func(DeviceFound)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeviceFound = handler
}

func (p *mockPlatform) Connect(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return p.connectErr
}

func (p *mockPlatform) Disconnect(_ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return p.disconnectErr
}

func (p *mockPlatform) OnConnectionChange(handler func(ConnectionChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnection = handler
}

func (p *mockPlatform) SetMTU(_ string, mtu int) (int, error) {
	p.mu.Lock()
	p.setMTUCalls++
	granted, err, after := p.grantedMTU, p.setMTUErr, p.afterSetMTU
	p.mu.Unlock()

	if after != nil {
		after()
	}
	if err != nil {
		return 0, err
	}
	if granted == 0 {
		granted = mtu
	}
	return granted, nil
}

func (p *mockPlatform) ConnectedDevices(_ string) ([]DiscoveredDevice, error) {
	return nil, nil
}

func (p *mockPlatform) Services(_ string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services, p.servicesErr
}

func (p *mockPlatform) Characteristics(_, _ string) ([]CharacteristicInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars, p.charsErr
}

func (p *mockPlatform) Subscribe(_, _, _ string, enable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.notifying = enable
	return nil
}

func (p *mockPlatform) OnCharacteristicChange(handler func(CharacteristicValue)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onValue = handler
}

func (p *mockPlatform) Write(_, _, _ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, cp)
	return nil
}

func (p *mockPlatform) Read(_, _, characteristicID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, characteristicID)
	return p.readValue, p.readErr
}

// set mutates the mock's configuration under its lock.
func (p *mockPlatform) set(fn func(p *mockPlatform)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// counts returns StartScan, StopScan, Connect and Disconnect call counts.
func (p *mockPlatform) counts() (startScans, stopScans, connects, disconnects int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startScans, p.stopScans, p.connects, p.disconnects
}

func (p *mockPlatform) isScanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanning
}

func (p *mockPlatform) sentFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// SimulateDeviceFound reports one live discovery event.
func (p *mockPlatform) SimulateDeviceFound(devices ...DiscoveredDevice) {
	p.mu.Lock()
	h := p.onDeviceFound
	p.mu.Unlock()
	if h != nil {
		h(DeviceFound{Devices: devices})
	}
}

// SimulateConnection reports a link state change.
func (p *mockPlatform) SimulateConnection(deviceID string, connected bool) {
	p.mu.Lock()
	h := p.onConnection
	p.mu.Unlock()
	if h != nil {
		h(ConnectionChange{DeviceID: deviceID, Connected: connected})
	}
}

// SimulateNotification pushes a value on a characteristic.
func (p *mockPlatform) SimulateNotification(deviceID, characteristicID string, value []byte) {
	p.mu.Lock()
	h := p.onValue
	p.mu.Unlock()
	if h != nil {
		h(CharacteristicValue{
			DeviceID:         deviceID,
			ServiceID:        ServiceUUID,
			CharacteristicID: characteristicID,
			Value:            value,
		})
	}
}

// SimulateAvailability reports the adapter powering on or off.
func (p *mockPlatform) SimulateAvailability(available bool) {
	p.mu.Lock()
	p.available = available
	h := p.onAvailability
	p.mu.Unlock()
	if h != nil {
		h(available)
	}
}

func TestMockPlatformImplementsInterface(t *testing.T) {
	var _ Platform = (*mockPlatform)(nil)
}

// openSession returns an available adapter session over p.
func openSession(t *testing.T, p *mockPlatform) *AdapterSession {
	t.Helper()
	s := NewAdapterSession(p)
	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

// testDevice advertises "Dev1" with MAC AA:BB:CC:DD:EE:FF.
func testDevice(id string) DiscoveredDevice {
	return DiscoveredDevice{
		DeviceID:          id,
		LocalName:         "Dev1",
		AdvertisementData: []byte{0x01, 0x02, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x10},
	}
}

func testTarget(t *testing.T) Target {
	t.Helper()
	target, err := NewTarget("Dev1", "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("NewTarget() error = %v", err)
	}
	return target
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errMock = errors.New("mock: platform error")
