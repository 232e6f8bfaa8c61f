// internal/ble/protocol/chunk.go
package protocol

// ATTHeaderBytes is the per-write ATT overhead subtracted from the MTU.
const ATTHeaderBytes = 3

// DefaultATTMTU is the MTU every BLE link starts with before negotiation.
const DefaultATTMTU = 23

// PayloadSize returns the usable bytes per characteristic write for the given
// MTU. MTUs below the BLE minimum are treated as DefaultATTMTU.
func PayloadSize(mtu int) int {
	if mtu < DefaultATTMTU {
		mtu = DefaultATTMTU
	}
	return mtu - ATTHeaderBytes
}

// ChunkFrame splits frame into consecutive chunks of at most maxBytes each.
// The chunks alias frame. Returns nil for an empty frame.
func ChunkFrame(frame []byte, maxBytes int) [][]byte {
	if len(frame) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(frame) <= maxBytes {
		return [][]byte{frame}
	}

	chunks := make([][]byte, 0, (len(frame)+maxBytes-1)/maxBytes)
	for len(frame) > 0 {
		n := min(maxBytes, len(frame))
		chunks = append(chunks, frame[:n:n])
		frame = frame[n:]
	}
	return chunks
}
