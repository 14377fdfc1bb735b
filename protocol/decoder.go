// File: protocol/decoder.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameDecoder parses RFC 6455 Section 5.2 frames out of an append-only
// byte buffer. It never blocks and never owns a socket: ReceiveBytes just
// grows the internal buffer, and each Next call lazily advances through
// whatever complete (or partially readable) frames that buffer holds.

package protocol

import (
	"encoding/binary"
)

// decodedFrame is one logical step the decoder can report: either a
// streaming chunk of a long data frame's payload, the terminal chunk of a
// frame, or a control frame delivered whole (frameFinished is always true
// for control opcodes; FrameProtocol never sees a partial control frame).
type decodedFrame struct {
	header        Header
	payload       []byte
	frameFinished bool
}

// decoderState tracks where the decoder is within the frame currently
// being parsed, so Next can resume correctly across calls that
// stop partway through a header or a payload.
type decoderState int

const (
	stateHeader decoderState = iota
	statePayload
)

// FrameDecoder incrementally parses frames from bytes appended via
// ReceiveBytes. readingClientFrames reports the role of the peer this
// decoder is reading *from*: a SERVER-side decoder reads CLIENT frames (expects
// Masked=true); a CLIENT-side decoder reads SERVER frames (expects
// Masked=false).
type FrameDecoder struct {
	// readingClientFrames is true when this decoder parses frames sent by
	// a CLIENT peer (i.e. this decoder belongs to a SERVER connection).
	readingClientFrames bool

	buf    []byte
	cursor int

	state decoderState

	// Fields of the frame currently being assembled, valid once state
	// transitions to statePayload.
	header       Header
	payloadRead  int64
	maskPos      int
	headerExtras extraBits

	eof bool
}

// extraBits carries the RSV-gate permission granted by negotiated
// extensions, threaded in from FrameProtocol since the decoder itself has
// no knowledge of which extensions are active.
type extraBits struct {
	rsv1Allowed, rsv2Allowed, rsv3Allowed bool
}

// NewFrameDecoder returns a decoder for frames sent by a peer in the given
// role: pass true to decode frames coming from a CLIENT (masked; this is
// what a SERVER-side connection uses), false to decode frames coming from
// a SERVER (unmasked; what a CLIENT-side connection uses).
func NewFrameDecoder(readingClientFrames bool) *FrameDecoder {
	return &FrameDecoder{readingClientFrames: readingClientFrames}
}

// ReceiveBytes appends data (which may be nil) to the decode buffer. Passing
// eof=true marks that no further bytes will ever arrive; a subsequent
// Next call that runs out of buffered bytes reports that as a
// truncation error rather than silently waiting for more.
func (d *FrameDecoder) ReceiveBytes(data []byte, eof bool) {
	if len(data) > 0 {
		d.buf = append(d.buf, data...)
	}
	if eof {
		d.eof = true
	}
}

// compact drops already-consumed bytes from the front of buf so it does not
// grow without bound across a long-lived connection.
func (d *FrameDecoder) compact() {
	if d.cursor == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.cursor:])
	d.buf = d.buf[:n]
	d.cursor = 0
}

// minHeaderLen is the smallest possible frame header: 1 byte of
// FIN/RSV/opcode, 1 byte of MASK/len7.
const minHeaderLen = 2

// Next attempts to decode the next logical step (header, payload chunk, or
// control frame) from the buffered bytes, given the RSV permissions
// currently granted by negotiated extensions. It returns (nil, nil, false)
// when there are not yet enough bytes buffered to make progress; callers
// should stop iterating in that case and wait for more ReceiveBytes calls.
func (d *FrameDecoder) Next(gate extraBits) (*decodedFrame, error, bool) {
	for {
		switch d.state {
		case stateHeader:
			hdr, n, err := d.parseHeader(gate)
			if err != nil {
				return nil, err, true
			}
			if n == 0 {
				if d.eof && len(d.buf)-d.cursor > 0 {
					return nil, newRemoteErrorNoHint(CloseProtocolError, "truncated frame header at end of stream"), true
				}
				return nil, nil, false
			}
			d.cursor += n
			d.header = hdr
			d.payloadRead = 0
			d.maskPos = 0
			d.state = statePayload
			if hdr.PayloadLen == 0 {
				d.state = stateHeader
				d.compact()
				return &decodedFrame{header: hdr, payload: nil, frameFinished: true}, nil, true
			}

		case statePayload:
			remaining := d.header.PayloadLen - d.payloadRead
			avail := int64(len(d.buf) - d.cursor)
			if avail == 0 {
				if d.eof && remaining > 0 {
					return nil, newRemoteErrorNoHint(CloseProtocolError, "truncated frame payload at end of stream"), true
				}
				return nil, nil, false
			}

			// Control frames are never streamed: wait for the whole payload.
			if d.header.Opcode.IsControl() && avail < remaining {
				if d.eof {
					return nil, newRemoteErrorNoHint(CloseProtocolError, "truncated control frame at end of stream"), true
				}
				return nil, nil, false
			}

			take := remaining
			if avail < take {
				take = avail
			}
			chunk := d.buf[d.cursor : d.cursor+int(take)]
			out := make([]byte, len(chunk))
			copy(out, chunk)
			if d.header.Masked {
				maskBytesFrom(out, d.header.MaskKey, d.maskPos)
				d.maskPos = (d.maskPos + len(out)) % 4
			}

			d.cursor += int(take)
			d.payloadRead += take
			finished := d.payloadRead == d.header.PayloadLen

			df := &decodedFrame{header: d.header, payload: out, frameFinished: finished}
			if finished {
				d.state = stateHeader
			}
			d.compact()
			return df, nil, true
		}
	}
}

// parseHeader attempts to parse a complete frame header starting at
// d.cursor. It returns the number of bytes consumed (0 if insufficient
// bytes are buffered) or an error for a malformed header.
func (d *FrameDecoder) parseHeader(gate extraBits) (Header, int, error) {
	buf := d.buf[d.cursor:]
	if len(buf) < minHeaderLen {
		return Header{}, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	fin := b0&finBit != 0
	rsv := RSV{
		RSV1: b0&rsv1Bit != 0,
		RSV2: b0&rsv2Bit != 0,
		RSV3: b0&rsv3Bit != 0,
	}
	opcode := Opcode(b0 & opcodeBits)
	masked := b1&maskBit != 0
	length7 := b1 & payloadLenBit

	if !knownOpcode(opcode) {
		return Header{}, 0, newRemoteError(CloseProtocolError, "unknown opcode").WithContext("opcode", opcode)
	}

	if rsv.RSV1 && !gate.rsv1Allowed {
		return Header{}, 0, newRemoteError(CloseProtocolError, "RSV1 set without a negotiated extension")
	}
	if rsv.RSV2 && !gate.rsv2Allowed {
		return Header{}, 0, newRemoteError(CloseProtocolError, "RSV2 set without a negotiated extension")
	}
	if rsv.RSV3 && !gate.rsv3Allowed {
		return Header{}, 0, newRemoteError(CloseProtocolError, "RSV3 set without a negotiated extension")
	}

	if opcode.IsControl() {
		if !fin {
			return Header{}, 0, newRemoteError(CloseProtocolError, "fragmented control frame")
		}
		if length7 > MaxControlFramePayload {
			return Header{}, 0, newRemoteError(CloseProtocolError, "control frame payload too large")
		}
	}

	if d.readingClientFrames && !masked {
		return Header{}, 0, newRemoteError(CloseProtocolError, "client frame must be masked")
	}
	if !d.readingClientFrames && masked {
		return Header{}, 0, newRemoteError(CloseProtocolError, "server frame must not be masked")
	}

	offset := 2
	var length int64
	switch length7 {
	case 126:
		if len(buf) < offset+2 {
			return Header{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Header{}, 0, nil
		}
		raw := binary.BigEndian.Uint64(buf[offset:])
		if raw&(1<<63) != 0 {
			return Header{}, 0, newRemoteError(CloseProtocolError, "frame payload length has high bit set")
		}
		length = int64(raw)
		offset += 8
	default:
		length = int64(length7)
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Header{}, 0, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	return Header{
		FIN:        fin,
		RSV:        rsv,
		Opcode:     opcode,
		PayloadLen: length,
		Masked:     masked,
		MaskKey:    maskKey,
	}, offset, nil
}
