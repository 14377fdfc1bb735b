// File: protocol/deflate.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PerMessageDeflate implements RFC 7692 per-message DEFLATE, the sole
// built-in RFC 6455 extension. Negotiation and the RSV1-marking protocol
// are grounded directly in this library's predecessor's PerMessageDeflate
// extension class; the actual compression codec is klauspost/compress/flate
// rather than the stdlib flate package, because its Writer/Reader support
// in-place Reset without reallocating, which no_context_takeover needs on
// every message without paying an allocation each time.

package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
)

// deflateTrailer is the 4 bytes RFC 7692 Section 7.2.1 says the sender
// strips from the end of a compressed message and the receiver must
// re-append before decompressing.
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// deflateBlockTerminator is appended after deflateTrailer purely so the
// decompressor's underlying reader reaches a real DEFLATE end-of-stream
// (BFINAL=1 empty stored block) instead of running out of bytes mid-block,
// which would otherwise surface as io.ErrUnexpectedEOF. It contributes no
// bytes to the decompressed output.
var deflateBlockTerminator = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// maxWindowHistory is the largest LZ77 window RFC 7692 allows (2^15), and
// so the most history a context-takeover dictionary ever needs to retain.
const maxWindowHistory = 1 << 15

// PerMessageDeflate negotiates and applies RFC 7692 compression. The same
// value serves both client and server roles; Offer is used client-side,
// Accept server-side, and Finalize client-side after a server accepts.
type PerMessageDeflate struct {
	ClientNoContextTakeover bool
	ServerNoContextTakeover bool
	ClientMaxWindowBits     int // 9-15, 0 means "not yet negotiated" -> 15
	ServerMaxWindowBits     int

	// Inbound (decompression) state.
	inboundCompressed *bool  // nil until the message's first frame header is seen
	inboundBuf        []byte // accumulates compressed bytes across the message's frames
	inboundDict       []byte // context-takeover window carried into the next message
	decompressor      io.ReadCloser

	// Outbound (compression) state.
	outboundBuf *bytes.Buffer
	compressor  *flate.Writer
}

// NewPerMessageDeflate returns an extension configured with RFC 7692's
// default window (15) on both sides and context takeover enabled
// (no_context_takeover = false) on both sides, matching what a client or
// server that wants compression but has no special memory constraints
// would offer.
func NewPerMessageDeflate() *PerMessageDeflate {
	return &PerMessageDeflate{ClientMaxWindowBits: 15, ServerMaxWindowBits: 15}
}

func (d *PerMessageDeflate) Name() string { return "permessage-deflate" }

func (d *PerMessageDeflate) Offer() (string, bool) {
	parts := []string{
		fmt.Sprintf("client_max_window_bits=%d", d.effectiveBits(d.ClientMaxWindowBits)),
		fmt.Sprintf("server_max_window_bits=%d", d.effectiveBits(d.ServerMaxWindowBits)),
	}
	if d.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if d.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	return strings.Join(parts, "; "), true
}

// Accept intersects a client's offered parameters with this extension's
// local policy. It rejects (ok=false) if the client offered a window-bits
// value outside [9,15]. A bare "client_max_window_bits" flag (no value)
// lets the server pick any window within its own policy and it must
// declare that choice in the response, per RFC 7692 Section 7.1.2.2.
func (d *PerMessageDeflate) Accept(offer string) (string, bool) {
	params, err := parseExtensionParams(offer)
	if err != nil {
		return "", false
	}

	clientBits := d.ClientMaxWindowBits
	serverBits := d.ServerMaxWindowBits
	clientNoTakeover := d.ClientNoContextTakeover
	serverNoTakeover := d.ServerNoContextTakeover
	clientBitsDeclared := false

	for _, p := range params {
		switch {
		case p.key == "client_no_context_takeover":
			clientNoTakeover = true
		case p.key == "server_no_context_takeover":
			serverNoTakeover = true
		case p.key == "client_max_window_bits":
			if p.hasValue {
				v, err := strconv.Atoi(p.value)
				if err != nil || v < 9 || v > 15 {
					return "", false
				}
				if v < clientBits {
					clientBits = v
				}
			}
			clientBitsDeclared = true
		case p.key == "server_max_window_bits":
			if !p.hasValue {
				return "", false
			}
			v, err := strconv.Atoi(p.value)
			if err != nil || v < 9 || v > 15 {
				return "", false
			}
			if v < serverBits {
				serverBits = v
			}
		}
	}

	d.ClientMaxWindowBits = clientBits
	d.ServerMaxWindowBits = serverBits
	d.ClientNoContextTakeover = clientNoTakeover
	d.ServerNoContextTakeover = serverNoTakeover

	var resp []string
	if clientNoTakeover {
		resp = append(resp, "client_no_context_takeover")
	}
	if clientBitsDeclared {
		resp = append(resp, fmt.Sprintf("client_max_window_bits=%d", clientBits))
	}
	if serverNoTakeover {
		resp = append(resp, "server_no_context_takeover")
	}
	resp = append(resp, fmt.Sprintf("server_max_window_bits=%d", serverBits))
	return strings.Join(resp, "; "), true
}

func (d *PerMessageDeflate) Finalize(params string) error {
	parsed, err := parseExtensionParams(params)
	if err != nil {
		return newLocalError("invalid permessage-deflate response parameters").WithContext("params", params)
	}
	for _, p := range parsed {
		switch p.key {
		case "client_no_context_takeover":
			d.ClientNoContextTakeover = true
		case "server_no_context_takeover":
			d.ServerNoContextTakeover = true
		case "client_max_window_bits":
			if p.hasValue {
				if v, err := strconv.Atoi(p.value); err == nil {
					d.ClientMaxWindowBits = v
				}
			}
		case "server_max_window_bits":
			if p.hasValue {
				if v, err := strconv.Atoi(p.value); err == nil {
					d.ServerMaxWindowBits = v
				}
			}
		}
	}
	return nil
}

func (d *PerMessageDeflate) effectiveBits(bits int) int {
	if bits < 9 || bits > 15 {
		return 15
	}
	return bits
}

// FrameInboundHeader records, on the first frame of a message, whether
// RSV1 marks the message as compressed, and rejects RSV1 on a
// continuation or control frame, where it is never legal.
func (d *PerMessageDeflate) FrameInboundHeader(client bool, opcode Opcode, rsv RSV, _ int64) error {
	if rsv.RSV1 && opcode.IsControl() {
		return newRemoteError(CloseProtocolError, "RSV1 set on a control frame")
	}
	if rsv.RSV1 && opcode == OpcodeContinuation {
		return newRemoteError(CloseProtocolError, "RSV1 set on a continuation frame")
	}
	if opcode.IsData() && opcode != OpcodeContinuation && d.inboundCompressed == nil {
		compressed := rsv.RSV1
		d.inboundCompressed = &compressed
	}
	return nil
}

// FrameInboundPayloadData buffers one chunk of a compressed message's raw
// (still-compressed) payload. Decompression happens once, at
// FrameInboundComplete, because a DEFLATE sync-flush boundary only exists
// at message end, not at arbitrary frame boundaries.
func (d *PerMessageDeflate) FrameInboundPayloadData(_ bool, data []byte) ([]byte, error) {
	if d.inboundCompressed == nil || !*d.inboundCompressed {
		return data, nil
	}
	d.inboundBuf = append(d.inboundBuf, data...)
	return nil, nil
}

// FrameInboundComplete decompresses the whole message once its final frame
// (FIN=1) arrives, feeding the negotiated context-takeover window in as a
// preset dictionary, then updates that window from the message just
// decompressed (or drops it if no_context_takeover applies in the receive
// direction).
func (d *PerMessageDeflate) FrameInboundComplete(client bool, fin bool) ([]byte, error) {
	if d.inboundCompressed == nil || !*d.inboundCompressed {
		if fin {
			d.inboundCompressed = nil
		}
		return nil, nil
	}
	if !fin {
		return nil, nil
	}

	src := make([]byte, 0, len(d.inboundBuf)+len(deflateTrailer)+len(deflateBlockTerminator))
	src = append(src, d.inboundBuf...)
	src = append(src, deflateTrailer...)
	src = append(src, deflateBlockTerminator...)

	if d.decompressor == nil {
		d.decompressor = flate.NewReaderDict(bytes.NewReader(src), d.inboundDict)
	} else {
		if err := d.decompressor.(flate.Resetter).Reset(bytes.NewReader(src), d.inboundDict); err != nil {
			return nil, newRemoteError(CloseInvalidPayloadData, "permessage-deflate: decompressor reset failed").WithContext("error", err.Error())
		}
	}

	out, err := io.ReadAll(d.decompressor)
	if err != nil {
		return nil, newRemoteError(CloseInvalidPayloadData, "permessage-deflate: decompression failed").WithContext("error", err.Error())
	}

	noContextTakeover := d.ClientNoContextTakeover
	if client {
		noContextTakeover = d.ServerNoContextTakeover
	}
	if noContextTakeover {
		d.inboundDict = nil
	} else {
		d.inboundDict = slideWindow(d.inboundDict, out)
	}

	d.inboundBuf = nil
	d.inboundCompressed = nil
	return out, nil
}

// FrameOutbound feeds one outbound fragment's payload into the streaming
// compressor without flushing, so data frames fragmented by the caller
// produce a valid (if payload-empty) wire frame for every fragment but
// only one compressed run spanning the whole message. RSV1 is set on the
// first fragment of the message (opcode is Text/Binary, never
// Continuation) regardless of fin, since RSV1 marks the whole message as
// compressed and a receiver only inspects it on that first frame. On the
// final fragment (fin=true) the compressor is flushed and the RFC 7692
// trailer stripped; non-final fragments report an empty payload, since
// there is nothing to emit until the message-ending flush.
func (d *PerMessageDeflate) FrameOutbound(client bool, opcode Opcode, rsv RSV, data []byte, fin bool) (RSV, []byte, error) {
	if opcode != OpcodeText && opcode != OpcodeBinary && opcode != OpcodeContinuation {
		return rsv, data, nil
	}

	if opcode != OpcodeContinuation {
		rsv.RSV1 = true
	}

	if d.outboundBuf == nil {
		d.outboundBuf = &bytes.Buffer{}
	}
	if d.compressor == nil {
		compressor, err := flate.NewWriter(d.outboundBuf, flate.DefaultCompression)
		if err != nil {
			return rsv, nil, newLocalError("permessage-deflate: compression failed").WithContext("error", err.Error())
		}
		d.compressor = compressor
	}
	if _, err := d.compressor.Write(data); err != nil {
		return rsv, nil, newLocalError("permessage-deflate: compression failed").WithContext("error", err.Error())
	}

	if !fin {
		return rsv, nil, nil
	}

	if err := d.compressor.Flush(); err != nil {
		return rsv, nil, newLocalError("permessage-deflate: compression failed").WithContext("error", err.Error())
	}
	compressed := d.outboundBuf.Bytes()
	if len(compressed) >= 4 && bytes.HasSuffix(compressed, deflateTrailer) {
		compressed = compressed[:len(compressed)-4]
	}
	out := make([]byte, len(compressed))
	copy(out, compressed)

	d.outboundBuf.Reset()

	noContextTakeover := d.ClientNoContextTakeover
	if !client {
		noContextTakeover = d.ServerNoContextTakeover
	}
	if noContextTakeover {
		// Dropping the Writer (rather than calling Reset, which would
		// also be legal) discards its LZ77 window so the next message
		// starts from a clean slate.
		d.compressor = nil
	}

	return rsv, out, nil
}

// slideWindow appends produced to history and trims the front so at most
// maxWindowHistory bytes remain, the most a DEFLATE preset dictionary can
// ever use.
func slideWindow(history, produced []byte) []byte {
	combined := append(history, produced...) //nolint:gocritic // history is never aliased elsewhere
	if len(combined) > maxWindowHistory {
		combined = combined[len(combined)-maxWindowHistory:]
	}
	out := make([]byte, len(combined))
	copy(out, combined)
	return out
}

type extensionParam struct {
	key      string
	value    string
	hasValue bool
}

// parseExtensionParams parses one extension offer/accept string of the
// form "param1; param2=value2; param3=value3" (the leading "name;" is
// assumed already stripped by the caller).
func parseExtensionParams(s string) ([]extensionParam, error) {
	var out []extensionParam
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			key := strings.ToLower(strings.TrimSpace(part[:idx]))
			value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)
			out = append(out, extensionParam{key: key, value: value, hasValue: true})
		} else {
			out = append(out, extensionParam{key: strings.ToLower(part)})
		}
	}
	return out, nil
}
