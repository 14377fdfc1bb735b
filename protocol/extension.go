// File: protocol/extension.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Extension is the capability contract a negotiated RFC 6455 extension
// must satisfy. The previous revision of this kind of hook used to be an
// overridable base class; here it is a plain interface, registered zero or
// more times on a Connection and iterated in registration order for
// inbound frames, reverse order for outbound frames.

package protocol

// Extension is implemented by any frame-transforming protocol extension.
// PerMessageDeflate is the only one this package ships, but a host program
// may implement the interface itself to plug in another RFC 6455
// extension.
type Extension interface {
	// Name is the Sec-WebSocket-Extensions token, e.g. "permessage-deflate".
	Name() string

	// Offer returns the parameter string this extension wants a client to
	// send (without the leading "name; "), or "" to send the bare token,
	// or ok=false to not offer this extension at all.
	Offer() (params string, ok bool)

	// Accept is called server-side with one client-offered parameter
	// string (without the leading name). It returns the parameter string
	// to send back, ok=false to decline the offer entirely.
	Accept(offer string) (params string, ok bool)

	// Finalize is called client-side with the server's accepted parameter
	// string, mutating the extension's internal negotiated state.
	Finalize(params string) error

	// FrameInboundHeader inspects the header of an inbound frame before
	// its payload is read. It returns a non-nil error to fail the
	// connection with PROTOCOL_ERROR (or another appropriate close code).
	FrameInboundHeader(client bool, opcode Opcode, rsv RSV, payloadLen int64) error

	// FrameInboundPayloadData transforms one chunk of inbound payload
	// (already unmasked). It returns the transformed bytes or a non-nil
	// error to fail the connection.
	FrameInboundPayloadData(client bool, data []byte) ([]byte, error)

	// FrameInboundComplete is called once per frame when FIN is known; fin
	// reports whether this is also the final frame of the message. It
	// returns any trailing bytes to append to the message payload.
	FrameInboundComplete(client bool, fin bool) ([]byte, error)

	// FrameOutbound transforms an outbound frame's payload and RSV bits
	// before masking and header serialization.
	FrameOutbound(client bool, opcode Opcode, rsv RSV, data []byte, fin bool) (RSV, []byte, error)
}
