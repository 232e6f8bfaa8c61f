//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

func writeCharacteristic(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
