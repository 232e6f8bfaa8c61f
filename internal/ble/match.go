package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// The peripheral carries its MAC in the manufacturer payload, after the
// two-byte company ID and in little-endian order.
const (
	advMACOffset = 2
	advMACEnd    = advMACOffset + 6
)

// Target identifies the peripheral a discovery attempt is looking for.
type Target struct {
	Name string
	MAC  bluetooth.MAC
}

// NewTarget builds a Target from an advertised name and a MAC in
// AA:BB:CC:DD:EE:FF form (any case).
func NewTarget(name, mac string) (Target, error) {
	m, err := bluetooth.ParseMAC(strings.ToUpper(mac))
	if err != nil {
		return Target{}, fmt.Errorf("ble: target mac %q: %w", mac, err)
	}
	return Target{Name: name, MAC: m}, nil
}

// String returns "name (MAC)".
func (t Target) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.MAC.String())
}

// AdvertisedMAC extracts the MAC embedded in an advertisement payload,
// formatted as uppercase colon-separated hex. It reports false when the
// payload is too short.
func AdvertisedMAC(dev DiscoveredDevice) (string, bool) {
	if len(dev.AdvertisementData) < advMACEnd {
		return "", false
	}
	var mac bluetooth.MAC
	copy(mac[:], dev.AdvertisementData[advMACOffset:advMACEnd])
	return mac.String(), true
}

// Matches reports whether dev is the target: its advertised MAC must equal
// the target MAC and its local name must equal the target name exactly.
func Matches(dev DiscoveredDevice, target Target) bool {
	if dev.LocalName != target.Name {
		return false
	}
	mac, ok := AdvertisedMAC(dev)
	if !ok {
		return false
	}
	return strings.EqualFold(mac, target.MAC.String())
}

// bluetoothBaseSuffix completes a 16- or 32-bit assigned number into a
// full 128-bit UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// ParseUUID parses a full UUID or a 16/32-bit Bluetooth short form such
// as "FE61".
func ParseUUID(s string) (uuid.UUID, error) {
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseSuffix
	case 8:
		s = s + bluetoothBaseSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ble: uuid %q: %w", s, err)
	}
	return u, nil
}

// sameUUID compares two UUID strings canonically, so "FE62" equals its
// 128-bit form. Malformed identifiers fall back to a case-insensitive
// comparison.
func sameUUID(a, b string) bool {
	ua, errA := ParseUUID(a)
	ub, errB := ParseUUID(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua == ub
}
