// File: protocol/encoder.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameEncoder serializes a frame header and payload into the wire bytes
// of RFC 6455 Section 5.2. A CLIENT-role encoder generates a fresh random
// mask per frame; a SERVER-role encoder never masks.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
)

// RandSource supplies the per-frame masking key for CLIENT-role encoders.
// Tests inject a deterministic source; production code uses cryptoRandSource.
type RandSource interface {
	Read(p []byte) (int, error)
}

type cryptoRandSource struct{}

func (cryptoRandSource) Read(p []byte) (int, error) { return rand.Read(p) }

// FrameEncoder serializes outbound frames for a connection of the given
// role.
type FrameEncoder struct {
	client bool
	rand   RandSource
}

// NewFrameEncoder returns an encoder for the given role. client=true masks
// every frame with a fresh random key; client=false never masks.
func NewFrameEncoder(client bool) *FrameEncoder {
	return &FrameEncoder{client: client, rand: cryptoRandSource{}}
}

// SetRandSource overrides the masking-key RNG, for deterministic tests.
func (e *FrameEncoder) SetRandSource(r RandSource) { e.rand = r }

// Encode serializes one frame: the given opcode/FIN/RSV and payload. It
// never mutates payload in place; the returned byte slice is a fresh copy
// (masked in place within that copy, if masking applies). Encode is the
// second of the two places (alongside FrameProtocol's Send validation)
// that enforces the control-frame payload cap, so a caller driving the
// encoder directly cannot bypass it either.
func (e *FrameEncoder) Encode(opcode Opcode, rsv RSV, fin bool, payload []byte) ([]byte, error) {
	if opcode.IsControl() && len(payload) > MaxControlFramePayload {
		return nil, newLocalError("control frame payload exceeds 125 bytes").WithContext("opcode", opcode).WithContext("length", len(payload))
	}
	plen := len(payload)

	var b0 byte
	if fin {
		b0 |= finBit
	}
	if rsv.RSV1 {
		b0 |= rsv1Bit
	}
	if rsv.RSV2 {
		b0 |= rsv2Bit
	}
	if rsv.RSV3 {
		b0 |= rsv3Bit
	}
	b0 |= byte(opcode) & opcodeBits

	var hdr []byte
	switch {
	case plen <= 125:
		hdr = []byte{b0, byte(plen)}
	case plen <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = b0
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
	default:
		hdr = make([]byte, 10)
		hdr[0] = b0
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
	}

	if !e.client {
		out := make([]byte, len(hdr)+plen)
		copy(out, hdr)
		copy(out[len(hdr):], payload)
		return out, nil
	}

	var key [4]byte
	_, _ = e.rand.Read(key[:])
	hdr[1] |= maskBit
	out := make([]byte, len(hdr)+4+plen)
	copy(out, hdr)
	copy(out[len(hdr):], key[:])
	masked := out[len(hdr)+4:]
	copy(masked, payload)
	maskBytes(masked, key)
	return out, nil
}
