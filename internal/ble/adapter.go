// Package ble discovers a single FE60 peripheral, connects to it and
// exchanges binary frames over its write/notify characteristic pair.
// Platform radio access is abstracted behind the Platform interface so the
// discovery and connection state machines can be driven by any BLE stack.
package ble

import (
	"context"
	"time"
)

// FE60 service and characteristic UUIDs.
const (
	ServiceUUID            = "0000FE60-0000-1000-8000-00805F9B34FB"
	WriteCharacteristicID  = "0000FE61-0000-1000-8000-00805F9B34FB"
	NotifyCharacteristicID = "0000FE62-0000-1000-8000-00805F9B34FB"
)

const (
	// DefaultMTU is requested after connecting on platforms that allow it.
	DefaultMTU = 210
	// DefaultDiscoveryTimeout bounds a discovery attempt.
	DefaultDiscoveryTimeout = 10 * time.Second
)

// DiscoveredDevice is a peripheral reported by the platform, either from the
// known-device list or from a live scan.
type DiscoveredDevice struct {
	DeviceID  string
	LocalName string
	// AdvertisementData is the raw manufacturer payload, company ID first.
	AdvertisementData []byte
}

// DeviceFound is one live discovery event. Platforms may batch devices.
type DeviceFound struct {
	Devices []DiscoveredDevice
}

// ConnectionChange reports a link coming up or going down.
type ConnectionChange struct {
	DeviceID  string
	Connected bool
}

// CharacteristicValue is a notification pushed by the peripheral.
type CharacteristicValue struct {
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Value            []byte
}

// CharacteristicInfo describes a characteristic found during enumeration.
type CharacteristicInfo struct {
	UUID     string
	Read     bool
	Write    bool
	Notify   bool
	Indicate bool
}

// AdapterControl manages the local Bluetooth adapter.
type AdapterControl interface {
	// Available reports whether the adapter is powered and usable.
	Available() (bool, error)
	// Open initializes the adapter.
	Open() error
	// Close releases the adapter.
	Close() error
	// OnAvailabilityChange registers the handler for adapter availability changes.
	OnAvailabilityChange(handler func(available bool))
}

// ScanControl drives peripheral discovery.
type ScanControl interface {
	// KnownDevices returns every device the platform has seen while the
	// adapter has been open, including connected ones.
	KnownDevices() ([]DiscoveredDevice, error)
	// StartScan begins a scan restricted to serviceUUID, without duplicate reports.
	StartScan(serviceUUID string) error
	// StopScan ends the current scan. Stopping an idle scanner is not an error.
	StopScan() error
	// OnDeviceFound registers the handler for live discovery events.
	OnDeviceFound(handler func(DeviceFound))
}

// LinkControl manages connections to peripherals.
type LinkControl interface {
	// Connect establishes a link to deviceID.
	Connect(ctx context.Context, deviceID string) error
	// Disconnect tears down the link to deviceID.
	Disconnect(deviceID string) error
	// OnConnectionChange registers the handler for link state changes.
	OnConnectionChange(handler func(ConnectionChange))
	// SetMTU requests an MTU and returns the value in effect afterwards.
	SetMTU(deviceID string, mtu int) (int, error)
	// ConnectedDevices lists connected peripherals exposing serviceUUID.
	ConnectedDevices(serviceUUID string) ([]DiscoveredDevice, error)
}

// GattControl exposes GATT operations on a connected peripheral.
type GattControl interface {
	// Services lists the service UUIDs of deviceID.
	Services(deviceID string) ([]string, error)
	// Characteristics lists the characteristics of serviceID on deviceID.
	Characteristics(deviceID, serviceID string) ([]CharacteristicInfo, error)
	// Subscribe enables or disables notifications on a characteristic.
	Subscribe(deviceID, serviceID, characteristicID string, enable bool) error
	// OnCharacteristicChange registers the handler for notifications.
	OnCharacteristicChange(handler func(CharacteristicValue))
	// Write sends data to a characteristic.
	Write(deviceID, serviceID, characteristicID string, data []byte) error
	// Read performs a one-shot read of a characteristic.
	Read(deviceID, serviceID, characteristicID string) ([]byte, error)
}

// Platform abstracts the BLE stack for testing.
type Platform interface {
	AdapterControl
	ScanControl
	LinkControl
	GattControl
}
