package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic writes without response; BlueZ offers no
// acknowledged write through tinygo.
func writeCharacteristic(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
