package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"tinygo.org/x/bluetooth"
)

// scanStartGrace is how long StartScan waits for the blocking scan call to
// fail before assuming the scan is running.
const scanStartGrace = 250 * time.Millisecond

// readBufferSize bounds a single characteristic read.
const readBufferSize = 512

// TinyGoPlatform implements Platform on top of tinygo-org/bluetooth.
// Device IDs are the stack's address strings: MAC addresses on Linux and
// Windows, CoreBluetooth UUIDs on macOS.
type TinyGoPlatform struct {
	adapter *bluetooth.Adapter

	enabled  atomic.Bool
	scanning atomic.Bool
	scanDone chan struct{}

	// seen holds every device reported by a scan since Open.
	seen    *xsync.MapOf[string, DiscoveredDevice]
	devices *xsync.MapOf[string, bluetooth.Device]
	chars   *xsync.MapOf[string, *bluetooth.DeviceCharacteristic]

	// mu guards the handlers.
	mu             sync.Mutex
	onAvailability func(bool)
	onDeviceFound  func(DeviceFound)
	onConnection   func(ConnectionChange)
	onValue        func(CharacteristicValue)
}

// NewTinyGoPlatform creates a platform bound to the default adapter.
func NewTinyGoPlatform() *TinyGoPlatform {
	return &TinyGoPlatform{
		adapter: bluetooth.DefaultAdapter,
		seen:    xsync.NewMapOf[string, DiscoveredDevice](),
		devices: xsync.NewMapOf[string, bluetooth.Device](),
		chars:   xsync.NewMapOf[string, *bluetooth.DeviceCharacteristic](),
	}
}

// Compile-time check that TinyGoPlatform implements Platform.
var _ Platform = (*TinyGoPlatform)(nil)

func (p *TinyGoPlatform) Open() error {
	if p.enabled.Load() {
		return nil
	}
	if err := p.adapter.Enable(); err != nil {
		return p.wrap(err, "adapter-enable", "", ftag.Internal, "Could not enable the Bluetooth adapter")
	}

	// tinygo reports both connects and disconnects through one adapter-level
	// handler.
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		if !connected {
			p.forget(id)
		}
		if h := p.connectionHandler(); h != nil {
			h(ConnectionChange{DeviceID: id, Connected: connected})
		}
	})

	p.enabled.Store(true)
	p.notifyAvailability(true)
	return nil
}

func (p *TinyGoPlatform) Close() error {
	if !p.enabled.Load() {
		return nil
	}
	if err := p.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan on close failed", "error", err)
	}
	var errs []error
	p.devices.Range(func(id string, device bluetooth.Device) bool {
		if err := device.Disconnect(); err != nil {
			errs = append(errs, p.wrap(err, "close-disconnect", id, ftag.Internal, "Could not disconnect device"))
		}
		return true
	})
	p.devices.Clear()
	p.chars.Clear()
	p.seen.Clear()
	p.enabled.Store(false)
	p.notifyAvailability(false)
	return errors.Join(errs...)
}

// Available reports whether Open has enabled the adapter. tinygo exposes no
// power state beyond that.
func (p *TinyGoPlatform) Available() (bool, error) {
	return p.enabled.Load(), nil
}

func (p *TinyGoPlatform) OnAvailabilityChange(handler func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAvailability = handler
}

func (p *TinyGoPlatform) OnDeviceFound(handler func(DeviceFound)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeviceFound = handler
}

func (p *TinyGoPlatform) OnConnectionChange(handler func(ConnectionChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnection = handler
}

func (p *TinyGoPlatform) OnCharacteristicChange(handler func(CharacteristicValue)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onValue = handler
}

func (p *TinyGoPlatform) KnownDevices() ([]DiscoveredDevice, error) {
	if !p.enabled.Load() {
		return nil, ErrAdapterUnavailable
	}
	var devices []DiscoveredDevice
	p.seen.Range(func(_ string, dev DiscoveredDevice) bool {
		devices = append(devices, dev)
		return true
	})
	return devices, nil
}

// StartScan starts a scan in the background. Each device is reported at
// most once per scan.
func (p *TinyGoPlatform) StartScan(serviceUUID string) error {
	svc, err := toBluetoothUUID(serviceUUID)
	if err != nil {
		return p.wrap(err, "scan-parse-uuid", "", ftag.InvalidArgument, "Invalid service UUID")
	}
	if !p.scanning.CompareAndSwap(false, true) {
		return p.wrap(ErrBusy, "scan-start", "", ftag.AlreadyExists, "A scan is already running")
	}

	reported := make(map[string]bool)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	p.mu.Lock()
	p.scanDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		err := p.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(svc) {
				return
			}
			dev := DiscoveredDevice{
				DeviceID:          result.Address.String(),
				LocalName:         result.LocalName(),
				AdvertisementData: manufacturerPayload(result),
			}
			p.seen.Store(dev.DeviceID, dev)
			if reported[dev.DeviceID] {
				return
			}
			reported[dev.DeviceID] = true
			if h := p.deviceFoundHandler(); h != nil {
				h(DeviceFound{Devices: []DiscoveredDevice{dev}})
			}
		})
		p.scanning.Store(false)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		tag := ftag.Internal
		if isBluezPermissionError(err) {
			tag = ftag.PermissionDenied
		}
		return p.wrap(err, "scan-start", "", tag, "An error occurred while starting device discovery")
	case <-time.After(scanStartGrace):
		go func() {
			if err := <-errCh; err != nil {
				slog.Warn("[BLE] scan ended with error", "error", err)
			}
		}()
		return nil
	}
}

// StopScan stops a running scan and waits for it to end.
func (p *TinyGoPlatform) StopScan() error {
	if !p.scanning.Load() {
		return nil
	}
	if err := p.adapter.StopScan(); err != nil {
		return p.wrap(err, "scan-stop", "", ftag.Internal, "An error occurred while stopping device discovery")
	}
	p.mu.Lock()
	done := p.scanDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Connect blocks until the stack connects or ctx is done. A connection
// that completes after ctx is done is dropped.
func (p *TinyGoPlatform) Connect(ctx context.Context, deviceID string) error {
	var addr bluetooth.Address
	addr.Set(deviceID)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			res := <-ch
			if res.err != nil {
				return
			}
			if err := res.device.Disconnect(); err != nil {
				slog.Debug("[BLE] dropping late connection failed", "device", deviceID, "error", err)
			}
		}()
		return p.wrap(ctx.Err(), "connect", deviceID, ftag.Cancelled, "Connection attempt cancelled")
	case res := <-ch:
		if res.err != nil {
			return p.wrap(res.err, "connect", deviceID, ftag.Internal, "Could not connect to device")
		}
		p.devices.Store(deviceID, res.device)
		return nil
	}
}

func (p *TinyGoPlatform) Disconnect(deviceID string) error {
	device, ok := p.devices.Load(deviceID)
	if !ok {
		return ErrNotConnected
	}
	p.forget(deviceID)
	if err := device.Disconnect(); err != nil {
		return p.wrap(err, "disconnect", deviceID, ftag.Internal, "Could not disconnect device")
	}
	return nil
}

// SetMTU returns the MTU the stack negotiated on its own; tinygo offers no
// way to request one. The MTU is read from any characteristic of the
// device, so the link's service need not be known here.
func (p *TinyGoPlatform) SetMTU(deviceID string, mtu int) (int, error) {
	char, err := p.anyCharacteristic(deviceID)
	if err != nil {
		return 0, err
	}
	granted, err := char.GetMTU()
	if err != nil {
		return 0, p.wrap(err, "get-mtu", deviceID, ftag.Internal, "Could not read the negotiated MTU")
	}
	return min(int(granted), mtu), nil
}

// anyCharacteristic returns a cached characteristic of deviceID, or
// discovers every service until one has characteristics.
func (p *TinyGoPlatform) anyCharacteristic(deviceID string) (*bluetooth.DeviceCharacteristic, error) {
	device, ok := p.devices.Load(deviceID)
	if !ok {
		return nil, ErrNotConnected
	}
	var found *bluetooth.DeviceCharacteristic
	p.chars.Range(func(key string, char *bluetooth.DeviceCharacteristic) bool {
		if strings.HasPrefix(key, deviceID+"|") {
			found = char
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}

	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, p.wrap(err, "discover-services", deviceID, ftag.Internal, "Could not discover services")
	}
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, p.wrap(err, "discover-characteristics", deviceID, ftag.Internal, "Could not discover characteristics")
		}
		for i := range chars {
			char := p.cacheCharacteristic(deviceID, chars[i])
			if found == nil {
				found = char
			}
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, p.wrap(errors.New("device exposes no characteristics"), "get-mtu", deviceID, ftag.NotFound, "No characteristic to read the MTU from")
}

func (p *TinyGoPlatform) ConnectedDevices(serviceUUID string) ([]DiscoveredDevice, error) {
	var devices []DiscoveredDevice
	p.devices.Range(func(id string, _ bluetooth.Device) bool {
		dev, ok := p.seen.Load(id)
		if !ok {
			dev = DiscoveredDevice{DeviceID: id}
		}
		devices = append(devices, dev)
		return true
	})
	return devices, nil
}

func (p *TinyGoPlatform) Services(deviceID string) ([]string, error) {
	device, ok := p.devices.Load(deviceID)
	if !ok {
		return nil, ErrNotConnected
	}
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, p.wrap(err, "discover-services", deviceID, ftag.Internal, "Could not discover services")
	}
	ids := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		ids = append(ids, svc.UUID().String())
	}
	return ids, nil
}

// Characteristics discovers and caches the characteristics of serviceID.
// tinygo does not expose characteristic properties, so only UUIDs are set.
func (p *TinyGoPlatform) Characteristics(deviceID, serviceID string) ([]CharacteristicInfo, error) {
	device, ok := p.devices.Load(deviceID)
	if !ok {
		return nil, ErrNotConnected
	}
	svcUUID, err := toBluetoothUUID(serviceID)
	if err != nil {
		return nil, p.wrap(err, "discover-characteristics", deviceID, ftag.InvalidArgument, "Invalid service UUID")
	}
	svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, p.wrap(err, "discover-services", deviceID, ftag.Internal, "Could not discover services")
	}
	if len(svcs) == 0 {
		return nil, p.wrap(fmt.Errorf("service %s not found", serviceID), "discover-services", deviceID, ftag.NotFound, "Service not found")
	}
	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, p.wrap(err, "discover-characteristics", deviceID, ftag.Internal, "Could not discover characteristics")
	}
	infos := make([]CharacteristicInfo, 0, len(chars))
	for i := range chars {
		p.cacheCharacteristic(deviceID, chars[i])
		infos = append(infos, CharacteristicInfo{UUID: chars[i].UUID().String()})
	}
	return infos, nil
}

// cacheCharacteristic stores char unless it is cached already. The cached
// value keeps its notification state across calls.
func (p *TinyGoPlatform) cacheCharacteristic(deviceID string, char bluetooth.DeviceCharacteristic) *bluetooth.DeviceCharacteristic {
	cached, _ := p.chars.LoadOrStore(charKey(deviceID, char.UUID().String()), &char)
	return cached
}

func (p *TinyGoPlatform) Subscribe(deviceID, serviceID, characteristicID string, enable bool) error {
	char, err := p.characteristic(deviceID, serviceID, characteristicID)
	if err != nil {
		return err
	}
	var cb func([]byte)
	if enable {
		cb = func(buf []byte) {
			h := p.valueHandler()
			if h == nil {
				return
			}
			h(CharacteristicValue{
				DeviceID:         deviceID,
				ServiceID:        serviceID,
				CharacteristicID: characteristicID,
				Value:            append([]byte(nil), buf...),
			})
		}
	}
	if err := char.EnableNotifications(cb); err != nil {
		return p.wrap(err, "enable-notifications", deviceID, ftag.Internal, "Could not change notification state")
	}
	return nil
}

func (p *TinyGoPlatform) Write(deviceID, serviceID, characteristicID string, data []byte) error {
	char, err := p.characteristic(deviceID, serviceID, characteristicID)
	if err != nil {
		return err
	}
	if err := writeCharacteristic(char, data); err != nil {
		return p.wrap(err, "write", deviceID, ftag.Internal, "Could not write characteristic")
	}
	return nil
}

func (p *TinyGoPlatform) Read(deviceID, serviceID, characteristicID string) ([]byte, error) {
	char, err := p.characteristic(deviceID, serviceID, characteristicID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readBufferSize)
	n, err := char.Read(buf)
	if err != nil {
		return nil, p.wrap(err, "read", deviceID, ftag.Internal, "Could not read characteristic")
	}
	return buf[:n], nil
}

// characteristic returns a cached characteristic, discovering the service
// on first use.
func (p *TinyGoPlatform) characteristic(deviceID, serviceID, characteristicID string) (*bluetooth.DeviceCharacteristic, error) {
	u, err := ParseUUID(characteristicID)
	if err != nil {
		return nil, err
	}
	key := charKey(deviceID, u.String())
	if char, ok := p.chars.Load(key); ok {
		return char, nil
	}
	if _, err := p.Characteristics(deviceID, serviceID); err != nil {
		return nil, err
	}
	char, ok := p.chars.Load(key)
	if !ok {
		return nil, p.wrap(fmt.Errorf("characteristic %s not found", characteristicID),
			"discover-characteristics", deviceID, ftag.NotFound, "Characteristic not found")
	}
	return char, nil
}

func (p *TinyGoPlatform) forget(deviceID string) {
	p.devices.Delete(deviceID)
	p.chars.Range(func(key string, _ *bluetooth.DeviceCharacteristic) bool {
		if strings.HasPrefix(key, deviceID+"|") {
			p.chars.Delete(key)
		}
		return true
	})
}

func (p *TinyGoPlatform) notifyAvailability(available bool) {
	p.mu.Lock()
	h := p.onAvailability
	p.mu.Unlock()
	if h != nil {
		h(available)
	}
}

func (p *TinyGoPlatform) deviceFoundHandler() func(DeviceFound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onDeviceFound
}

func (p *TinyGoPlatform) connectionHandler() func(ConnectionChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onConnection
}

func (p *TinyGoPlatform) valueHandler() func(CharacteristicValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onValue
}

func (p *TinyGoPlatform) wrap(err error, at, deviceID string, tag ftag.Kind, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"device", deviceID,
		),
		ftag.With(tag),
		fmsg.With(msg),
	)
}

// manufacturerPayload flattens the first manufacturer data element into
// the company-ID-first layout the address matcher expects.
func manufacturerPayload(result bluetooth.ScanResult) []byte {
	elems := result.ManufacturerData()
	if len(elems) == 0 {
		return nil
	}
	payload := binary.LittleEndian.AppendUint16(nil, elems[0].CompanyID)
	return append(payload, elems[0].Data...)
}

// isBluezPermissionError reports the BlueZ D-Bus errors raised when the
// process may not scan.
func isBluezPermissionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "org.bluez.Error.NotPermitted") ||
		strings.Contains(msg, "org.bluez.Error.NotAuthorized")
}

func toBluetoothUUID(s string) (bluetooth.UUID, error) {
	u, err := ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	return bluetooth.ParseUUID(u.String())
}

func charKey(deviceID, characteristicUUID string) string {
	return deviceID + "|" + strings.ToLower(characteristicUUID)
}
