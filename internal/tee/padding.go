package tee

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Default padding buckets. Each must exceed the largest message of its direction.
const (
	DefaultRequestPadding  = 15000
	DefaultResponsePadding = 10000
)

const lengthPrefix = 4

// ErrPayloadTooLarge is returned when a message does not fit its padding bucket.
var ErrPayloadTooLarge = errors.New("payload exceeds padding size")

// Pad returns payload prefixed by its length and zero-filled to exactly size bytes.
func Pad(payload []byte, size int) ([]byte, error) {
	if len(payload)+lengthPrefix > size {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), size-lengthPrefix)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefix:], payload)
	return out, nil
}

// Unpad reverses Pad. The input must be exactly size bytes.
func Unpad(padded []byte, size int) ([]byte, error) {
	if len(padded) != size || size < lengthPrefix {
		return nil, fmt.Errorf("padded message is %d bytes, expected %d", len(padded), size)
	}
	n := binary.BigEndian.Uint32(padded)
	if uint64(n) > uint64(size-lengthPrefix) {
		return nil, fmt.Errorf("length prefix %d exceeds padded size %d", n, size)
	}
	return padded[lengthPrefix : lengthPrefix+int(n)], nil
}
