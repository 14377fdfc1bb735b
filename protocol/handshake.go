// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handshake drives the RFC 6455 Section 4 opening handshake sans-I/O: it
// consumes buffered bytes and produces Request/AcceptConnection/
// RejectConnection/RejectData events exactly like the frame protocol does
// for the data phase, and produces the bytes to send in reply. It never
// reads a socket itself; ReceiveData/Send are driven by whatever owns the
// transport, grounded in the teacher's own bufio.NewReader(r) +
// http.ReadRequest handshake code, generalized from "read one HTTP
// request off a live conn" to "parse one HTTP request out of whatever
// bytes have arrived so far".

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// websocketGUID is the fixed string RFC 6455 Section 1.3 concatenates onto
// Sec-WebSocket-Key before hashing to compute Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptToken computes the Sec-WebSocket-Accept value for a given
// Sec-WebSocket-Key, RFC 6455 Section 4.2.2 item 5.
func acceptToken(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// generateKey returns a fresh random, base64-encoded 16-byte
// Sec-WebSocket-Key for a client-initiated handshake.
func generateKey(rnd RandSource) (string, error) {
	var raw [16]byte
	if _, err := rnd.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// Handshake is the opening-handshake half of a connection's sans-I/O state
// machine. A CLIENT-role Handshake sends a Request and waits for a
// response; a SERVER-role Handshake waits for a Request and sends a
// response (accept or reject). Once resolved, the caller switches to
// FrameProtocol for the data phase.
type Handshake struct {
	role   Role
	parser HeadParser
	rand   RandSource

	sub handshakeSubState
	buf []byte

	// Client-side state, set by Send(Request) and checked against the
	// server's response.
	clientKey         string
	offeredSubs       []string
	offeredExtensions []Extension

	// Server-side state, set once the request is parsed.
	acceptedExtensions []Extension
	requestKey         string

	// Reject-path streaming state (server sending, or client receiving,
	// a non-101 response body).
	rejectBodyRemaining int
	rejectChunked       bool
}

// NewHandshake returns a Handshake for the given role, using
// DefaultHeadParser. SetHeadParser may override it before any bytes are
// exchanged.
func NewHandshake(role Role) *Handshake {
	sub := subServerWaitingRequest
	if role == RoleClient {
		sub = subClientWaitingResponse
	}
	return &Handshake{
		role:   role,
		parser: DefaultHeadParser{},
		rand:   cryptoRandSource{},
		sub:    sub,
	}
}

// SetHeadParser overrides the HeadParser collaborator, e.g. to delegate to
// a host HTTP server's own header parsing instead of DefaultHeadParser.
func (h *Handshake) SetHeadParser(p HeadParser) { h.parser = p }

// SetRandSource overrides the RNG used to generate Sec-WebSocket-Key,
// for deterministic tests.
func (h *Handshake) SetRandSource(r RandSource) { h.rand = r }

// Done reports whether the handshake has resolved (accepted, rejected and
// fully streamed, or failed) and the connection should switch to frame
// processing.
func (h *Handshake) Done() bool { return h.sub == subDone }

// ReceiveBytes buffers inbound handshake bytes for the next ReceiveEvents
// call.
func (h *Handshake) ReceiveBytes(data []byte) {
	h.buf = append(h.buf, data...)
}

// ReceiveEvents parses as much of the buffered bytes as currently forms a
// complete event. It returns at most one event per call, mirroring
// FrameProtocol.ReceiveEvents's "drain what's available" contract when
// invoked in a loop by the owning Connection.
func (h *Handshake) ReceiveEvents() ([]Event, error) {
	switch h.sub {
	case subClientWaitingResponse:
		return h.receiveResponse()
	case subServerWaitingRequest:
		return h.receiveRequest()
	case subClientReceivingRejectBody:
		return h.receiveRejectBody()
	default:
		return nil, nil
	}
}

// --- Client path -----------------------------------------------------

// BuildRequest serializes a client Request event into the HTTP/1.1 bytes
// to send, recording the Sec-WebSocket-Key and offered extensions so the
// eventual response can be validated and Finalized.
func (h *Handshake) BuildRequest(req Request) ([]byte, error) {
	if h.role != RoleClient {
		return nil, newLocalError("BuildRequest is only valid for a CLIENT-role handshake")
	}
	if h.sub != subClientWaitingResponse {
		return nil, newLocalError("handshake already in progress")
	}

	key, err := generateKey(h.rand)
	if err != nil {
		return nil, newLocalError("failed to generate Sec-WebSocket-Key").WithContext("error", err.Error())
	}
	h.clientKey = key
	h.offeredSubs = req.Subprotocols

	headers := []HeaderField{
		{Name: "Host", Value: req.Host},
		{Name: "Upgrade", Value: "websocket"},
		{Name: "Connection", Value: "Upgrade"},
		{Name: "Sec-WebSocket-Key", Value: key},
		{Name: "Sec-WebSocket-Version", Value: "13"},
	}
	if len(req.Subprotocols) > 0 {
		headers = append(headers, HeaderField{Name: "Sec-WebSocket-Protocol", Value: strings.Join(req.Subprotocols, ", ")})
	}
	for _, ext := range h.offeredExtensions {
		if params, ok := ext.Offer(); ok {
			headers = append(headers, HeaderField{Name: "Sec-WebSocket-Extensions", Value: offerToken(ext.Name(), params)})
		}
	}
	headers = append(headers, req.ExtraHeaders...)

	head := h.parser.FormatRequestHead(RequestHead{
		Method:     "GET",
		Target:     req.Target,
		Host:       req.Host,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    headers,
	})
	return head, nil
}

// SetOfferedExtensions records the extensions a client Request will offer,
// so BuildRequest can serialize their Offer() parameters and the eventual
// response can Finalize the ones the server accepted.
func (h *Handshake) SetOfferedExtensions(exts []Extension) { h.offeredExtensions = exts }

func offerToken(name, params string) string {
	if params == "" {
		return name
	}
	return name + "; " + params
}

func (h *Handshake) receiveResponse() ([]Event, error) {
	head, consumed, ok, err := h.parser.ParseResponseHead(h.buf)
	if err != nil {
		return nil, newRemoteError(CloseProtocolError, "malformed handshake response").WithContext("error", err.Error())
	}
	if !ok {
		return nil, nil
	}
	h.buf = h.buf[consumed:]

	if head.StatusCode != 101 {
		events, err := h.startReject(head.StatusCode, head.Headers)
		if err != nil {
			return nil, err
		}
		if events[0].(RejectConnection).HasBody {
			h.sub = subClientReceivingRejectBody
		} else {
			h.sub = subDone
		}
		return events, nil
	}

	if err := h.validateServerResponse(head); err != nil {
		return nil, err
	}

	subprotocol := head.Get("Sec-WebSocket-Protocol")
	var finalized []Extension
	for _, tok := range head.CommaList("Sec-WebSocket-Extensions") {
		name, params := splitExtensionToken(tok)
		ext := findExtension(h.offeredExtensions, name)
		if ext == nil {
			return nil, newRemoteError(CloseProtocolError, "server accepted an extension that was not offered").WithContext("extension", name)
		}
		if err := ext.Finalize(params); err != nil {
			return nil, newRemoteError(CloseProtocolError, "extension rejected server's accepted parameters").WithContext("extension", name).WithContext("error", err.Error())
		}
		finalized = append(finalized, ext)
	}

	h.acceptedExtensions = finalized
	h.sub = subDone
	return []Event{AcceptConnection{Subprotocol: subprotocol, Extensions: finalized, ExtraHeaders: head.Headers}}, nil
}

func (h *Handshake) validateServerResponse(head ResponseHead) error {
	if !hasToken(head.Headers, "Upgrade", "websocket") {
		return newRemoteError(CloseProtocolError, "101 response missing Upgrade: websocket")
	}
	if !hasToken(head.Headers, "Connection", "Upgrade") {
		return newRemoteError(CloseProtocolError, "101 response missing Connection: Upgrade")
	}
	got := head.Get("Sec-WebSocket-Accept")
	want := acceptToken(h.clientKey)
	if got != want {
		return newRemoteError(CloseProtocolError, "Sec-WebSocket-Accept does not match the request key").WithContext("got", got).WithContext("want", want)
	}
	if proto := head.Get("Sec-WebSocket-Protocol"); proto != "" && !containsFold(h.offeredSubs, proto) {
		return newRemoteError(CloseProtocolError, "server accepted a subprotocol that was not offered").WithContext("subprotocol", proto)
	}
	return nil
}

// AcceptedExtensions returns the extensions Finalized against the
// server's 101 response, in the order the server listed them.
func (h *Handshake) AcceptedExtensions() []Extension { return h.acceptedExtensions }

// --- Server path -------------------------------------------------------

func (h *Handshake) receiveRequest() ([]Event, error) {
	head, consumed, ok, err := h.parser.ParseRequestHead(h.buf)
	if err != nil {
		return nil, newRemoteError(CloseProtocolError, "malformed handshake request").WithContext("error", err.Error())
	}
	if !ok {
		return nil, nil
	}
	h.buf = h.buf[consumed:]

	if err := h.validateClientRequest(head); err != nil {
		return nil, err
	}

	h.requestKey = head.Get("Sec-WebSocket-Key")
	return []Event{Request{
		Host:         head.Host,
		Target:       head.Target,
		Subprotocols: head.CommaList("Sec-WebSocket-Protocol"),
		Extensions:   head.CommaList("Sec-WebSocket-Extensions"),
		ExtraHeaders: head.Headers,
	}}, nil
}

func (h *Handshake) validateClientRequest(head RequestHead) error {
	if head.Method != "GET" {
		return newRemoteError(CloseProtocolError, "handshake request method must be GET").WithContext("method", head.Method)
	}
	if head.ProtoMajor < 1 || (head.ProtoMajor == 1 && head.ProtoMinor < 1) {
		return newRemoteError(CloseProtocolError, "handshake request must be HTTP/1.1 or later")
	}
	if head.Host == "" {
		return newRemoteError(CloseProtocolError, "handshake request missing Host")
	}
	if !hasToken(head.Headers, "Upgrade", "websocket") {
		return newRemoteError(CloseProtocolError, "handshake request missing Upgrade: websocket")
	}
	if !hasToken(head.Headers, "Connection", "Upgrade") {
		return newRemoteError(CloseProtocolError, "handshake request missing Connection: Upgrade")
	}
	key := head.Get("Sec-WebSocket-Key")
	if key == "" {
		return newRemoteError(CloseProtocolError, "handshake request missing Sec-WebSocket-Key")
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return newRemoteError(CloseProtocolError, "Sec-WebSocket-Key is not base64 of 16 bytes")
	}
	if head.Get("Sec-WebSocket-Version") != "13" {
		return newRemoteError(CloseProtocolError, "unsupported Sec-WebSocket-Version").WithContext("version", head.Get("Sec-WebSocket-Version"))
	}
	return nil
}

// BuildAccept serializes a server AcceptConnection event into a 101
// response, Finalizing nothing (extension state is already mutated by
// Accept, called by the caller while deciding what to accept).
func (h *Handshake) BuildAccept(accept AcceptConnection) ([]byte, error) {
	if h.role != RoleServer {
		return nil, newLocalError("BuildAccept is only valid for a SERVER-role handshake")
	}
	if h.requestKey == "" {
		return nil, newLocalError("no pending handshake request to accept")
	}

	headers := []HeaderField{
		{Name: "Upgrade", Value: "websocket"},
		{Name: "Connection", Value: "Upgrade"},
		{Name: "Sec-WebSocket-Accept", Value: acceptToken(h.requestKey)},
	}
	if accept.Subprotocol != "" {
		headers = append(headers, HeaderField{Name: "Sec-WebSocket-Protocol", Value: accept.Subprotocol})
	}
	for _, ext := range accept.Extensions {
		if params, ok := ext.Accept(""); ok {
			headers = append(headers, HeaderField{Name: "Sec-WebSocket-Extensions", Value: offerToken(ext.Name(), params)})
		}
	}
	headers = append(headers, accept.ExtraHeaders...)

	h.acceptedExtensions = accept.Extensions
	h.sub = subDone
	return h.parser.FormatResponseHead(ResponseHead{
		StatusCode: 101,
		Reason:     "Switching Protocols",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    headers,
	}), nil
}

// NegotiateExtension runs offered against the server's single extension
// candidate (by Name) and returns the accepted params and true if ext
// accepts the client's offer, mutating ext's negotiated state in the
// process. The server-side caller is expected to call this once per
// extension it is willing to support while deciding what to pass to
// AcceptConnection.
func NegotiateExtension(ext Extension, clientOffers []string) (string, bool) {
	for _, tok := range clientOffers {
		name, params := splitExtensionToken(tok)
		if name != ext.Name() {
			continue
		}
		if accepted, ok := ext.Accept(params); ok {
			return accepted, true
		}
	}
	return "", false
}

// BuildReject serializes a server RejectConnection event into a non-101
// response head. The caller streams the body, if any, via BuildRejectData.
func (h *Handshake) BuildReject(reject RejectConnection) ([]byte, error) {
	if h.role != RoleServer {
		return nil, newLocalError("BuildReject is only valid for a SERVER-role handshake")
	}
	h.sub = subServerSentRejectHead
	return h.parser.FormatResponseHead(ResponseHead{
		StatusCode: reject.StatusCode,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    reject.Headers,
	}), nil
}

// BuildRejectData serializes one chunk of a rejection body. When finished
// is true the handshake is considered resolved.
func (h *Handshake) BuildRejectData(data RejectData) []byte {
	if data.BodyFinished {
		h.sub = subDone
	}
	return data.Data
}

// --- Shared reject-body receive path (used by the client reading a
// non-101 server response, per §4.4's "any non-101 status yields
// RejectConnection/RejectData") -----------------------------------------

func (h *Handshake) startReject(status int, headers []HeaderField) ([]Event, error) {
	hasBody := true
	if cl := getHeader(headers, "Content-Length"); cl == "0" {
		hasBody = false
	}
	h.rejectChunked = strings.EqualFold(getHeader(headers, "Transfer-Encoding"), "chunked")
	if n, ok := contentLength(headers); ok {
		h.rejectBodyRemaining = n
		hasBody = n > 0
	} else if !h.rejectChunked {
		hasBody = len(h.buf) > 0
	}
	return []Event{RejectConnection{StatusCode: status, Headers: headers, HasBody: hasBody}}, nil
}

func contentLength(headers []HeaderField) (int, bool) {
	v := getHeader(headers, "Content-Length")
	if v == "" {
		return 0, false
	}
	var n int
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// receiveRejectBody drains whatever body bytes are currently buffered as a
// single RejectData chunk; it does not attempt chunked-encoding framing,
// since a handshake rejection body is diagnostic text the caller is meant
// to log, not parse.
func (h *Handshake) receiveRejectBody() ([]Event, error) {
	if len(h.buf) == 0 {
		return nil, nil
	}
	data := h.buf
	h.buf = nil

	finished := false
	if h.rejectBodyRemaining > 0 {
		if len(data) >= h.rejectBodyRemaining {
			data = data[:h.rejectBodyRemaining]
			finished = true
		}
		h.rejectBodyRemaining -= len(data)
	}
	if finished {
		h.sub = subDone
	}
	return []Event{RejectData{Data: data, BodyFinished: finished}}, nil
}

// --- Shared helpers ------------------------------------------------

func splitExtensionToken(tok string) (name, params string) {
	parts := strings.SplitN(tok, ";", 2)
	name = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		params = strings.TrimSpace(parts[1])
	}
	return name, params
}

func findExtension(exts []Extension, name string) Extension {
	for _, e := range exts {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
