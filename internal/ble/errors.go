package ble

import (
	"errors"
	"syscall"

	"github.com/Southclaws/fault/ftag"
)

// Error kinds returned by the adapter, discovery and connection sessions.
// Operations wrap both the kind and the platform cause, so errors.Is works
// for either.
var (
	ErrAdapterUnavailable    = errors.New("ble: adapter unavailable")
	ErrBusy                  = errors.New("ble: operation already in progress")
	ErrAuthorizationRequired = errors.New("ble: scan authorization required")
	ErrDeviceNotFound        = errors.New("ble: device not found")
	ErrScanFailed            = errors.New("ble: scan failed")
	ErrStopped               = errors.New("ble: discovery stopped")
	ErrConnectionFailed      = errors.New("ble: connection failed")
	ErrNotConnected          = errors.New("ble: not connected")
	ErrServiceDiscovery      = errors.New("ble: service discovery failed")
	ErrSubscriptionFailed    = errors.New("ble: subscription failed")
	ErrWriteFailed           = errors.New("ble: write failed")
	ErrReadFailed            = errors.New("ble: read failed")
)

// ErrPermissionDenied is returned by platforms when the OS refuses radio
// access (location or Bluetooth permission).
var ErrPermissionDenied = errors.New("ble: permission denied")

// isPermissionDenied reports whether a platform error is an authorization
// failure rather than a generic radio error.
func isPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	return ftag.Get(err) == ftag.PermissionDenied
}
