package ble

import (
	"errors"
	"testing"

	"tinygo.org/x/bluetooth"
)

// BlueZ keeps notification state in the characteristic value, so every
// lookup must return the same cached instance.
func TestTinyGoCacheKeepsCharacteristic(t *testing.T) {
	p := NewTinyGoPlatform()

	first := p.cacheCharacteristic("dev", bluetooth.DeviceCharacteristic{})
	second := p.cacheCharacteristic("dev", bluetooth.DeviceCharacteristic{})
	if first != second {
		t.Error("cacheCharacteristic() replaced an already cached characteristic")
	}

	other := p.cacheCharacteristic("other", bluetooth.DeviceCharacteristic{})
	if other == first {
		t.Error("cacheCharacteristic() shared a characteristic across devices")
	}
}

func TestTinyGoMTUCharacteristicIgnoresService(t *testing.T) {
	p := NewTinyGoPlatform()
	if _, err := p.anyCharacteristic("dev"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("anyCharacteristic() error = %v, want ErrNotConnected", err)
	}

	// A characteristic of any service serves for reading the MTU.
	p.devices.Store("dev", bluetooth.Device{})
	want := p.cacheCharacteristic("dev", bluetooth.DeviceCharacteristic{})
	got, err := p.anyCharacteristic("dev")
	if err != nil {
		t.Fatalf("anyCharacteristic() error = %v", err)
	}
	if got != want {
		t.Error("anyCharacteristic() did not reuse the cached characteristic")
	}
}
