// File: protocol/assembler.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameProtocol sits between the frame codec and the caller: it groups
// frames into messages, enforces the fragmentation and control-frame
// rules of RFC 6455 Section 5.4, orchestrates the extension pipeline in
// both directions, and is the only place either direction's close-once
// invariant is enforced.

package protocol

import "unicode/utf8"

// FrameProtocol assembles and disassembles messages for one connection
// direction pair (it both decodes inbound frames and encodes outbound
// ones, since a single WebSocket connection is bidirectional).
type FrameProtocol struct {
	client         bool
	decoder        *FrameDecoder
	encoder        *FrameEncoder
	extensions     []Extension
	maxMessageSize int64
	rsvGate        extraBits

	// Inbound assembly state.
	assembling     bool
	assemblingText bool
	messageSize    int64
	utf8           *utf8Validator
	peerSentClose  bool

	// Outbound fragmentation state.
	sendingActive bool
	sendingText   bool
	selfSentClose bool
}

// NewFrameProtocol returns an assembler for a connection of the given
// role. client=true builds a CLIENT-side assembler (decodes SERVER
// frames, encodes and masks CLIENT frames); client=false is the reverse.
func NewFrameProtocol(client bool, extensions []Extension, maxMessageSize int64) *FrameProtocol {
	fp := &FrameProtocol{
		client:         client,
		decoder:        NewFrameDecoder(!client),
		encoder:        NewFrameEncoder(client),
		extensions:     extensions,
		maxMessageSize: maxMessageSize,
	}
	for _, ext := range extensions {
		if ext.Name() == "permessage-deflate" {
			fp.rsvGate.rsv1Allowed = true
		}
	}
	return fp
}

// ReceiveBytes feeds inbound bytes (and, on EOF, the end-of-stream marker)
// to the underlying decoder.
func (fp *FrameProtocol) ReceiveBytes(data []byte, eof bool) {
	fp.decoder.ReceiveBytes(data, eof)
}

// ReceiveEvents drains every event the currently buffered bytes make
// available, stopping either when bytes run out or a RemoteProtocolError
// occurs (which is also returned as the last entry's error, for the
// caller to propagate after accepting the events produced so far).
func (fp *FrameProtocol) ReceiveEvents() ([]Event, error) {
	var events []Event
	for {
		df, err, ok := fp.decoder.Next(fp.rsvGate)
		if err != nil {
			return events, err
		}
		if !ok {
			return events, nil
		}

		ev, err := fp.consume(df)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
}

// consume advances the assembler's state machine by one decoded frame
// step and returns the event it produces, if any.
func (fp *FrameProtocol) consume(df *decodedFrame) (Event, error) {
	h := df.header

	if fp.peerSentClose {
		return nil, newRemoteError(CloseProtocolError, "frame received after peer Close")
	}

	for _, ext := range fp.extensions {
		if err := ext.FrameInboundHeader(fp.client, h.Opcode, h.RSV, h.PayloadLen); err != nil {
			return nil, err
		}
	}

	if h.Opcode.IsControl() {
		return fp.consumeControl(h, df.payload)
	}
	return fp.consumeData(h, df)
}

func (fp *FrameProtocol) consumeControl(h Header, payload []byte) (Event, error) {
	switch h.Opcode {
	case OpcodePing:
		return Ping{Payload: payload}, nil
	case OpcodePong:
		return Pong{Payload: payload}, nil
	case OpcodeClose:
		code, reason, err := decodeClosePayload(payload)
		if err != nil {
			return nil, err
		}
		fp.peerSentClose = true
		return CloseConnection{Code: code, Reason: reason}, nil
	default:
		return nil, newRemoteError(CloseProtocolError, "unexpected control opcode")
	}
}

func (fp *FrameProtocol) consumeData(h Header, df *decodedFrame) (Event, error) {
	if h.Opcode == OpcodeContinuation {
		if !fp.assembling {
			return nil, newRemoteError(CloseProtocolError, "continuation frame without an active message")
		}
	} else {
		if fp.assembling {
			return nil, newRemoteError(CloseProtocolError, "data frame started while a message is still assembling")
		}
		fp.assembling = true
		fp.assemblingText = h.Opcode == OpcodeText
		fp.messageSize = 0
		if fp.assemblingText {
			fp.utf8 = newUTF8Validator()
		} else {
			fp.utf8 = nil
		}
	}

	chunk := df.payload
	var err error
	for _, ext := range fp.extensions {
		chunk, err = ext.FrameInboundPayloadData(fp.client, chunk)
		if err != nil {
			return nil, err
		}
	}

	messageFinished := false
	if df.frameFinished {
		for _, ext := range fp.extensions {
			var trailing []byte
			trailing, err = ext.FrameInboundComplete(fp.client, h.FIN)
			if err != nil {
				return nil, err
			}
			chunk = append(chunk, trailing...)
		}
		messageFinished = h.FIN
	}

	fp.messageSize += int64(len(chunk))
	if fp.maxMessageSize > 0 && fp.messageSize > fp.maxMessageSize {
		return nil, newRemoteError(CloseMessageTooBig, "message exceeds configured maximum size")
	}

	if fp.assemblingText && fp.utf8 != nil {
		if !fp.utf8.Advance(chunk) {
			return nil, newRemoteError(CloseInvalidPayloadData, "invalid UTF-8 in text message")
		}
		if messageFinished && !fp.utf8.Finish() {
			return nil, newRemoteError(CloseInvalidPayloadData, "truncated UTF-8 sequence at end of message")
		}
	}

	if messageFinished {
		fp.assembling = false
		fp.utf8 = nil
	}

	if fp.assemblingText {
		return TextMessage{Data: string(chunk), FrameFinished: df.frameFinished, MessageFinished: messageFinished}, nil
	}
	return BytesMessage{Data: chunk, FrameFinished: df.frameFinished, MessageFinished: messageFinished}, nil
}

// decodeClosePayload validates and parses a Close frame payload per RFC
// 6455 Section 7.1.5/7.1.6: empty, or a 2-byte big-endian code followed by
// a UTF-8 reason.
func decodeClosePayload(payload []byte) (CloseReason, string, error) {
	if len(payload) == 0 {
		return CloseNoStatusRcvd, "", nil
	}
	if len(payload) == 1 {
		return 0, "", newRemoteError(CloseProtocolError, "close frame payload is a single byte")
	}
	code := CloseReason(uint16(payload[0])<<8 | uint16(payload[1]))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", newRemoteError(CloseInvalidPayloadData, "close reason is not valid UTF-8")
	}
	if !validReceivedCloseCode(code) {
		return 0, "", newRemoteError(CloseProtocolError, "invalid close code").WithContext("code", code)
	}
	return code, string(reason), nil
}

// SendMessage encodes one outbound fragment of a text or binary message.
// text selects the logical message type for the first fragment of a new
// message; subsequent fragments (sendingActive already true) ignore it
// and continue the message already in progress, failing if the caller
// switches text<->binary mid-message.
func (fp *FrameProtocol) SendMessage(text bool, data []byte, messageFinished bool) ([]byte, error) {
	if fp.selfSentClose {
		return nil, newLocalError("cannot send a data message after CloseConnection")
	}

	first := !fp.sendingActive
	if first {
		fp.sendingActive = true
		fp.sendingText = text
	} else if fp.sendingText != text {
		return nil, newLocalError("data type changed mid-fragmented message")
	}

	msgOpcode := OpcodeBinary
	if fp.sendingText {
		msgOpcode = OpcodeText
	}

	wireOpcode := msgOpcode
	if !first {
		wireOpcode = OpcodeContinuation
	}

	var rsv RSV
	payload := data
	var err error
	for i := len(fp.extensions) - 1; i >= 0; i-- {
		rsv, payload, err = fp.extensions[i].FrameOutbound(fp.client, wireOpcode, rsv, payload, messageFinished)
		if err != nil {
			return nil, err
		}
	}

	if messageFinished {
		fp.sendingActive = false
	}

	return fp.encoder.Encode(wireOpcode, rsv, messageFinished, payload)
}

// SendPing encodes an outbound ping frame. payload must be at most 125
// bytes, enforced here as well as by the encoder (§ design notes:
// "Ping/Pong payload size validation enforced uniformly at the encoder
// and assembler").
func (fp *FrameProtocol) SendPing(payload []byte) ([]byte, error) {
	if len(payload) > MaxControlFramePayload {
		return nil, newLocalError("ping payload exceeds 125 bytes")
	}
	return fp.encoder.Encode(OpcodePing, RSV{}, true, payload)
}

// SendPong encodes an outbound pong frame, subject to the same payload cap.
func (fp *FrameProtocol) SendPong(payload []byte) ([]byte, error) {
	if len(payload) > MaxControlFramePayload {
		return nil, newLocalError("pong payload exceeds 125 bytes")
	}
	return fp.encoder.Encode(OpcodePong, RSV{}, true, payload)
}

// SendClose encodes an outbound Close frame: an empty payload for
// NO_STATUS_RCVD (RFC 6455 Section 7.1.5 forbids ever putting 1005 on the
// wire), otherwise a 2-byte code followed by the UTF-8 reason. A reason
// that would push the payload past the 125-byte control frame cap is
// truncated at a codepoint boundary rather than rejected.
func (fp *FrameProtocol) SendClose(code CloseReason, reason string) ([]byte, error) {
	if fp.selfSentClose {
		return nil, newLocalError("CloseConnection already sent")
	}
	var payload []byte
	if code != 0 && code != CloseNoStatusRcvd {
		if localOnlyCloseReasons[code] {
			return nil, newLocalError("close code is never legal on the wire").WithContext("code", code)
		}
		reasonBytes := truncateUTF8([]byte(reason), MaxControlFramePayload-2)
		payload = make([]byte, 2+len(reasonBytes))
		payload[0] = byte(code >> 8)
		payload[1] = byte(code)
		copy(payload[2:], reasonBytes)
	}
	fp.selfSentClose = true
	return fp.encoder.Encode(OpcodeClose, RSV{}, true, payload)
}

// PeerSentClose reports whether a Close frame has been received from the
// peer.
func (fp *FrameProtocol) PeerSentClose() bool { return fp.peerSentClose }

// SelfSentClose reports whether a Close frame has been sent locally.
func (fp *FrameProtocol) SelfSentClose() bool { return fp.selfSentClose }

// SetRandSource overrides the masking-key RNG used by the outbound
// encoder, for deterministic tests.
func (fp *FrameProtocol) SetRandSource(r RandSource) { fp.encoder.SetRandSource(r) }
