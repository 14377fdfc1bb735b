// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A sans-I/O RFC 6455 WebSocket engine: a pure state machine converting
// between byte streams and structured protocol events. The package never
// touches a socket, spawns a goroutine, or starts a timer; callers supply
// inbound bytes through ReceiveData and drain outbound bytes from Send.
//
// The frame codec, per-message DEFLATE extension (RFC 7692), message
// assembler, HTTP/1.1 opening-handshake state machine, and the Connection
// façade that ties them together all live in this single package, mirroring
// how the previous transport-bound revision of this library kept its frame,
// handshake, and connection code side by side.
package protocol
