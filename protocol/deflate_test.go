package protocol

import (
	"bytes"
	"testing"
)

// deflateRoundTrip drives one complete message through an outbound
// PerMessageDeflate on the CLIENT side and an inbound one on the SERVER
// side, simulating a single-frame client-to-server message. Both
// PerMessageDeflate values must already carry the same negotiated
// parameters (as they would after a real Offer/Accept/Finalize exchange);
// each applies them from its own role's perspective.
func deflateRoundTrip(t *testing.T, sender, receiver *PerMessageDeflate, client bool, msg []byte) []byte {
	t.Helper()
	rsv, compressed, err := sender.FrameOutbound(client, OpcodeText, RSV{}, msg, true)
	if err != nil {
		t.Fatalf("FrameOutbound: %v", err)
	}
	if !rsv.RSV1 {
		t.Fatalf("expected RSV1 to be set on a compressed message")
	}

	receiverRole := !client
	if err := receiver.FrameInboundHeader(receiverRole, OpcodeText, rsv, int64(len(compressed))); err != nil {
		t.Fatalf("FrameInboundHeader: %v", err)
	}
	chunk, err := receiver.FrameInboundPayloadData(receiverRole, compressed)
	if err != nil {
		t.Fatalf("FrameInboundPayloadData: %v", err)
	}
	if chunk != nil {
		t.Fatalf("expected no immediate output before FrameInboundComplete")
	}
	out, err := receiver.FrameInboundComplete(receiverRole, true)
	if err != nil {
		t.Fatalf("FrameInboundComplete: %v", err)
	}
	return out
}

func TestPerMessageDeflateRoundTrip(t *testing.T) {
	sender := NewPerMessageDeflate()
	receiver := NewPerMessageDeflate()
	msg := []byte("the quick brown fox jumps over the lazy dog, repeatedly: the quick brown fox jumps over the lazy dog")

	out := deflateRoundTrip(t, sender, receiver, true, msg)
	if !bytes.Equal(out, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", out, msg)
	}
}

func TestPerMessageDeflateContextTakeoverAcrossMessages(t *testing.T) {
	sender := NewPerMessageDeflate()
	receiver := NewPerMessageDeflate()

	msg1 := []byte("the quick brown fox jumps over the lazy dog")
	msg2 := []byte("the quick brown fox jumps over the lazy dog again")

	out1 := deflateRoundTrip(t, sender, receiver, true, msg1)
	if !bytes.Equal(out1, msg1) {
		t.Fatalf("first message mismatch: got %q want %q", out1, msg1)
	}
	out2 := deflateRoundTrip(t, sender, receiver, true, msg2)
	if !bytes.Equal(out2, msg2) {
		t.Fatalf("second message mismatch: got %q want %q", out2, msg2)
	}
}

func TestPerMessageDeflateNoContextTakeoverResetsEachMessage(t *testing.T) {
	sender := NewPerMessageDeflate()
	sender.ClientNoContextTakeover = true
	receiver := NewPerMessageDeflate()
	receiver.ClientNoContextTakeover = true

	msg1 := []byte("abcdefgh abcdefgh abcdefgh")
	msg2 := []byte("ijklmnop ijklmnop ijklmnop")

	out1 := deflateRoundTrip(t, sender, receiver, true, msg1)
	out2 := deflateRoundTrip(t, sender, receiver, true, msg2)
	if !bytes.Equal(out1, msg1) || !bytes.Equal(out2, msg2) {
		t.Fatalf("no_context_takeover round trip mismatch")
	}
}

func TestPerMessageDeflateOfferAcceptFinalize(t *testing.T) {
	client := NewPerMessageDeflate()
	client.ClientNoContextTakeover = true
	offer, ok := client.Offer()
	if !ok {
		t.Fatalf("expected Offer to produce parameters")
	}

	server := NewPerMessageDeflate()
	accepted, ok := server.Accept(offer)
	if !ok {
		t.Fatalf("expected server to accept the offer: %s", offer)
	}
	if !server.ClientNoContextTakeover {
		t.Fatalf("expected server to honor client_no_context_takeover")
	}

	if err := client.Finalize(accepted); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !client.ClientNoContextTakeover {
		t.Fatalf("expected client state to remain no_context_takeover after Finalize")
	}
}

func TestPerMessageDeflateRejectsInvalidWindowBits(t *testing.T) {
	server := NewPerMessageDeflate()
	_, ok := server.Accept("client_max_window_bits=20")
	if ok {
		t.Fatalf("expected Accept to reject an out-of-range window-bits value")
	}
}

func TestPerMessageDeflateRejectsRSV1OnControlFrame(t *testing.T) {
	d := NewPerMessageDeflate()
	if err := d.FrameInboundHeader(true, OpcodePing, RSV{RSV1: true}, 0); err == nil {
		t.Fatalf("expected RSV1 on a ping frame to be rejected")
	}
}

func TestPerMessageDeflateFragmentedOutboundSetsRSV1OnFirstFrameOnly(t *testing.T) {
	d := NewPerMessageDeflate()

	rsv1, part1, err := d.FrameOutbound(true, OpcodeText, RSV{}, []byte("first "), false)
	if err != nil {
		t.Fatalf("FrameOutbound(first fragment): %v", err)
	}
	if !rsv1.RSV1 {
		t.Fatalf("expected RSV1 set on the first fragment even though fin=false")
	}
	if len(part1) != 0 {
		t.Fatalf("expected no payload bytes until the message-ending flush, got %d bytes", len(part1))
	}

	rsv2, part2, err := d.FrameOutbound(true, OpcodeContinuation, RSV{}, []byte("second "), false)
	if err != nil {
		t.Fatalf("FrameOutbound(continuation): %v", err)
	}
	if rsv2.RSV1 {
		t.Fatalf("expected RSV1 unset on a continuation frame")
	}
	if len(part2) != 0 {
		t.Fatalf("expected no payload bytes on a non-final continuation, got %d bytes", len(part2))
	}

	rsv3, part3, err := d.FrameOutbound(true, OpcodeContinuation, RSV{}, []byte("third"), true)
	if err != nil {
		t.Fatalf("FrameOutbound(final fragment): %v", err)
	}
	if rsv3.RSV1 {
		t.Fatalf("expected RSV1 unset on the final continuation frame")
	}
	if len(part3) == 0 {
		t.Fatalf("expected compressed bytes on the message-ending flush")
	}

	receiver := NewPerMessageDeflate()
	if err := receiver.FrameInboundHeader(false, OpcodeText, rsv1, int64(len(part1))); err != nil {
		t.Fatalf("FrameInboundHeader(first): %v", err)
	}
	if _, err := receiver.FrameInboundPayloadData(false, part1); err != nil {
		t.Fatalf("FrameInboundPayloadData(first): %v", err)
	}
	if err := receiver.FrameInboundHeader(false, OpcodeContinuation, rsv2, int64(len(part2))); err != nil {
		t.Fatalf("FrameInboundHeader(second): %v", err)
	}
	if _, err := receiver.FrameInboundPayloadData(false, part2); err != nil {
		t.Fatalf("FrameInboundPayloadData(second): %v", err)
	}
	if err := receiver.FrameInboundHeader(false, OpcodeContinuation, rsv3, int64(len(part3))); err != nil {
		t.Fatalf("FrameInboundHeader(third): %v", err)
	}
	if _, err := receiver.FrameInboundPayloadData(false, part3); err != nil {
		t.Fatalf("FrameInboundPayloadData(third): %v", err)
	}
	out, err := receiver.FrameInboundComplete(false, true)
	if err != nil {
		t.Fatalf("FrameInboundComplete: %v", err)
	}
	if !bytes.Equal(out, []byte("first second third")) {
		t.Fatalf("fragmented round trip mismatch: got %q", out)
	}
}

func TestPerMessageDeflatePassesThroughUncompressedFrames(t *testing.T) {
	d := NewPerMessageDeflate()
	if err := d.FrameInboundHeader(true, OpcodeText, RSV{}, 5); err != nil {
		t.Fatalf("FrameInboundHeader: %v", err)
	}
	out, err := d.FrameInboundPayloadData(true, []byte("hello"))
	if err != nil {
		t.Fatalf("FrameInboundPayloadData: %v", err)
	}
	if !bytes.Equal(out, []byte("hello")) {
		t.Fatalf("expected passthrough of uncompressed payload, got %q", out)
	}
}
