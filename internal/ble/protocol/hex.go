// Package protocol implements the frame encoding used on the FE60 link:
// hex text to raw bytes and back, and splitting frames into MTU-sized writes.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidEncoding is returned for hex input of odd length or with
// non-hex characters.
var ErrInvalidEncoding = errors.New("protocol: invalid hex encoding")

// HexToBytes parses an even-length string of hex digits (any case) into bytes.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrInvalidEncoding, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// BytesToHex renders each byte as two lowercase hex digits.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
