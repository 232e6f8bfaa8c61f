package ble

import (
	"errors"
	"testing"

	"github.com/Southclaws/fault/ftag"
)

func TestTinyGoPlatformClosed(t *testing.T) {
	p := NewTinyGoPlatform()

	if ok, err := p.Available(); ok || err != nil {
		t.Errorf("Available() = %v, %v; want false before Open", ok, err)
	}
	if _, err := p.KnownDevices(); !errors.Is(err, ErrAdapterUnavailable) {
		t.Errorf("KnownDevices() error = %v, want ErrAdapterUnavailable", err)
	}
	if err := p.StopScan(); err != nil {
		t.Errorf("StopScan() when idle error = %v", err)
	}
	if err := p.Disconnect("AA:BB:CC:DD:EE:FF"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() error = %v, want ErrNotConnected", err)
	}
	if _, err := p.SetMTU("AA:BB:CC:DD:EE:FF", DefaultMTU); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetMTU() error = %v, want ErrNotConnected", err)
	}
	if err := p.Write("AA:BB:CC:DD:EE:FF", ServiceUUID, WriteCharacteristicID, []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
	if _, err := p.Read("AA:BB:CC:DD:EE:FF", ServiceUUID, NotifyCharacteristicID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() error = %v, want ErrNotConnected", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() before Open error = %v", err)
	}
}

func TestTinyGoWrapKeepsCauseAndTag(t *testing.T) {
	p := NewTinyGoPlatform()
	cause := errors.New("org.bluez.Error.NotPermitted: Operation not permitted")

	err := p.wrap(cause, "scan-start", "", ftag.PermissionDenied, "An error occurred while starting device discovery")
	if !errors.Is(err, cause) {
		t.Error("wrapped error does not match its cause")
	}
	if !isPermissionDenied(err) {
		t.Error("isPermissionDenied() = false for a PermissionDenied tag")
	}

	err = p.wrap(cause, "write", "dev", ftag.Internal, "Could not write characteristic")
	if isPermissionDenied(err) {
		t.Error("isPermissionDenied() = true for an Internal tag")
	}
}

func TestIsBluezPermissionError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"org.bluez.Error.NotPermitted: Operation not permitted", true},
		{"org.bluez.Error.NotAuthorized", true},
		{"org.bluez.Error.InProgress: Operation already in progress", false},
		{"bluetooth: adapter not enabled", false},
	}
	for _, tt := range tests {
		if got := isBluezPermissionError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isBluezPermissionError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestToBluetoothUUID(t *testing.T) {
	for _, s := range []string{"FE60", "fe60", ServiceUUID} {
		u, err := toBluetoothUUID(s)
		if err != nil {
			t.Fatalf("toBluetoothUUID(%q) error = %v", s, err)
		}
		if got := u.String(); got != "0000fe60-0000-1000-8000-00805f9b34fb" {
			t.Errorf("toBluetoothUUID(%q) = %s", s, got)
		}
	}
	if _, err := toBluetoothUUID("not-a-uuid"); err == nil {
		t.Error("toBluetoothUUID() should fail for an invalid UUID")
	}
}

func TestCharKeyIgnoresCase(t *testing.T) {
	if charKey("dev", WriteCharacteristicID) != charKey("dev", "0000fe61-0000-1000-8000-00805f9b34fb") {
		t.Error("charKey() differs by UUID case")
	}
}
