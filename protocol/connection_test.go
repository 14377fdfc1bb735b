package protocol

import "testing"

func TestConnectionServerHandshakeThenMessageThenClose(t *testing.T) {
	conn := NewConnection(Options{Role: RoleServer})

	req := "GET /chat HTTP/1.1\r\n" +
		"Host: server.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if err := conn.ReceiveData([]byte(req), false); err != nil {
		t.Fatalf("ReceiveData(request): %v", err)
	}
	if conn.State() != StateConnecting {
		t.Fatalf("State = %v, want CONNECTING", conn.State())
	}
	events := conn.Events()
	if len(events) != 1 {
		t.Fatalf("expected one Request event, got %d", len(events))
	}
	if _, ok := events[0].(Request); !ok {
		t.Fatalf("expected Request, got %T", events[0])
	}

	out, err := conn.Send(AcceptConnection{})
	if err != nil {
		t.Fatalf("Send(AcceptConnection): %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected non-empty response bytes")
	}
	if conn.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", conn.State())
	}

	// Masked "Hello" from S3.
	if err := conn.ReceiveData([]byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}, false); err != nil {
		t.Fatalf("ReceiveData(text frame): %v", err)
	}
	events = conn.Events()
	if len(events) != 1 {
		t.Fatalf("expected one TextMessage event, got %d", len(events))
	}
	msg, ok := events[0].(TextMessage)
	if !ok || msg.Data != "Hello" {
		t.Fatalf("unexpected message: %+v", events[0])
	}

	// Server-initiated close, NO_STATUS_RCVD.
	wire, err := conn.Send(CloseConnection{Code: CloseNoStatusRcvd})
	if err != nil {
		t.Fatalf("Send(CloseConnection): %v", err)
	}
	if string(wire) != string([]byte{0x88, 0x00}) {
		t.Fatalf("close wire = % x, want 88 00", wire)
	}
	if conn.State() != StateLocalClosing {
		t.Fatalf("State = %v, want LOCAL_CLOSING", conn.State())
	}
}

func TestConnectionClientFullHandshakeRoundTrip(t *testing.T) {
	conn := NewConnection(Options{Role: RoleClient})
	conn.SetRandSource(fixedRand{key: [4]byte{7, 7, 7, 7}})

	reqBytes, err := conn.Send(Request{Host: "example.com", Target: "/"})
	if err != nil {
		t.Fatalf("Send(Request): %v", err)
	}
	head, _, ok, err := DefaultHeadParser{}.ParseRequestHead(reqBytes)
	if err != nil || !ok {
		t.Fatalf("ParseRequestHead: err=%v ok=%v", err, ok)
	}

	accept := acceptToken(head.Get("Sec-WebSocket-Key"))
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if err := conn.ReceiveData([]byte(resp), false); err != nil {
		t.Fatalf("ReceiveData(response): %v", err)
	}
	if conn.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", conn.State())
	}
	events := conn.Events()
	if len(events) != 1 {
		t.Fatalf("expected one AcceptConnection event, got %d", len(events))
	}

	wire, err := conn.Send(TextMessage{Data: "hi", MessageFinished: true})
	if err != nil {
		t.Fatalf("Send(TextMessage): %v", err)
	}
	if len(wire) == 0 {
		t.Fatalf("expected non-empty frame bytes")
	}
	// A client frame must be masked: the MASK bit of the second header byte.
	if wire[1]&0x80 == 0 {
		t.Fatalf("expected the client frame to be masked")
	}
}

func TestConnectionRemoteCloseTransitionsToClosedOnResponse(t *testing.T) {
	conn := NewConnection(Options{Role: RoleServer})
	req := "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_ = conn.ReceiveData([]byte(req), false)
	conn.Events()
	if _, err := conn.Send(AcceptConnection{}); err != nil {
		t.Fatalf("Send(AcceptConnection): %v", err)
	}

	// Masked close 1000 with a zero key: a SERVER rejects unmasked client frames.
	if err := conn.ReceiveData([]byte{0x88, 0x82, 0x00, 0x00, 0x00, 0x00, 0x03, 0xe8}, false); err != nil {
		t.Fatalf("ReceiveData(close): %v", err)
	}
	if conn.State() != StateRemoteClosing {
		t.Fatalf("State = %v, want REMOTE_CLOSING", conn.State())
	}
	events := conn.Events()
	if len(events) != 1 {
		t.Fatalf("expected one CloseConnection event, got %d", len(events))
	}
	cc := events[0].(CloseConnection)

	response := cc.Response()
	wire, err := conn.Send(response)
	if err != nil {
		t.Fatalf("Send(response): %v", err)
	}
	if string(wire) != string([]byte{0x88, 0x02, 0x03, 0xe8}) {
		t.Fatalf("close response wire = % x", wire)
	}
	if conn.State() != StateClosed {
		t.Fatalf("State = %v, want CLOSED", conn.State())
	}
}

func TestConnectionFromOpenSkipsHandshake(t *testing.T) {
	conn := NewConnectionFromOpen(Options{Role: RoleServer}, nil)
	if conn.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", conn.State())
	}
	wire, err := conn.Send(BytesMessage{Data: []byte("x"), MessageFinished: true})
	if err != nil {
		t.Fatalf("Send(BytesMessage): %v", err)
	}
	if len(wire) == 0 {
		t.Fatalf("expected non-empty frame bytes")
	}
}

func TestConnectionSendStateLegalityForPingAndPong(t *testing.T) {
	conn := NewConnection(Options{Role: RoleServer})
	req := "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_ = conn.ReceiveData([]byte(req), false)
	conn.Events()
	if _, err := conn.Send(AcceptConnection{}); err != nil {
		t.Fatalf("Send(AcceptConnection): %v", err)
	}

	if _, err := conn.Send(Ping{}); err != nil {
		t.Fatalf("Send(Ping) in OPEN: %v", err)
	}
	if _, err := conn.Send(Pong{}); err != nil {
		t.Fatalf("Send(Pong) in OPEN: %v", err)
	}

	// Masked close 1000 with a zero key: a SERVER rejects unmasked client frames.
	if err := conn.ReceiveData([]byte{0x88, 0x82, 0x00, 0x00, 0x00, 0x00, 0x03, 0xe8}, false); err != nil {
		t.Fatalf("ReceiveData(close): %v", err)
	}
	conn.Events()
	if conn.State() != StateRemoteClosing {
		t.Fatalf("State = %v, want REMOTE_CLOSING", conn.State())
	}

	if _, err := conn.Send(Ping{}); err == nil {
		t.Fatalf("expected Send(Ping) to be rejected in REMOTE_CLOSING")
	}
	if _, err := conn.Send(Pong{}); err == nil {
		t.Fatalf("expected Send(Pong) to be rejected in REMOTE_CLOSING")
	}
}

func TestConnectionAllowsPongWhileLocalClosing(t *testing.T) {
	conn := NewConnection(Options{Role: RoleServer})
	req := "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_ = conn.ReceiveData([]byte(req), false)
	conn.Events()
	if _, err := conn.Send(AcceptConnection{}); err != nil {
		t.Fatalf("Send(AcceptConnection): %v", err)
	}

	if _, err := conn.Send(CloseConnection{Code: CloseNormalClosure}); err != nil {
		t.Fatalf("Send(CloseConnection): %v", err)
	}
	if conn.State() != StateLocalClosing {
		t.Fatalf("State = %v, want LOCAL_CLOSING", conn.State())
	}

	if _, err := conn.Send(Pong{}); err != nil {
		t.Fatalf("expected Send(Pong) to be allowed in LOCAL_CLOSING: %v", err)
	}
	if _, err := conn.Send(Ping{}); err == nil {
		t.Fatalf("expected Send(Ping) to be rejected in LOCAL_CLOSING")
	}
}

func TestConnectionRejectsDataMessageBeforeOpen(t *testing.T) {
	conn := NewConnection(Options{Role: RoleClient})
	conn.SetRandSource(fixedRand{key: [4]byte{1, 1, 1, 1}})
	if _, err := conn.Send(TextMessage{Data: "too early", MessageFinished: true}); err == nil {
		t.Fatalf("expected a LocalProtocolError sending a message before OPEN")
	}
}
