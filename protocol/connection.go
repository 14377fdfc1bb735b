// File: protocol/connection.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is the sans-I/O façade: it owns the Handshake and
// FrameProtocol sub-machines, tracks the connection-level State, and
// exposes the three verbs a transport loop drives it with — ReceiveData,
// Events, and Send. Nothing here touches a socket, spawns a goroutine, or
// starts a timer; every method is a synchronous, pure transformation of
// buffered bytes and caller-supplied events into more bytes and events.
//
// The event backlog is an eapache/queue.Queue rather than a plain slice,
// the same restartable-FIFO structure this library's predecessor reached
// for whenever a producer and consumer needed a buffer between them.

package protocol

import "github.com/eapache/queue"

// Options configures a Connection, supplied once at construction and
// never mutated afterward.
type Options struct {
	Role           Role
	Extensions     []Extension
	MaxMessageSize int64 // 0 means unlimited
}

// Connection is the top-level sans-I/O WebSocket engine: one value per
// logical connection, carrying it from the opening handshake through the
// data phase to close.
type Connection struct {
	opts  Options
	state State

	hs *Handshake
	fp *FrameProtocol

	events *queue.Queue

	sawEOF bool
}

// NewConnection returns a Connection that still has to perform the
// opening handshake: a CLIENT-role Connection expects Send(Request) next,
// a SERVER-role one expects ReceiveData to deliver a request head.
func NewConnection(opts Options) *Connection {
	c := &Connection{
		opts:   opts,
		state:  StateConnecting,
		hs:     NewHandshake(opts.Role),
		events: queue.New(),
	}
	if opts.Role == RoleClient {
		c.hs.SetOfferedExtensions(opts.Extensions)
	}
	return c
}

// NewConnectionFromOpen returns a Connection already past the opening
// handshake — the "connection only" mode SPEC_FULL.md §4.4 calls for, used
// when a host program has already performed (or is proxying) the HTTP
// upgrade itself and only wants this engine's frame/message semantics.
// acceptedExtensions must be the extensions both peers already agreed on,
// in the order FrameInboundHeader/FrameOutbound should apply them.
func NewConnectionFromOpen(opts Options, acceptedExtensions []Extension) *Connection {
	return &Connection{
		opts:   opts,
		state:  StateOpen,
		fp:     NewFrameProtocol(opts.Role == RoleClient, acceptedExtensions, opts.MaxMessageSize),
		events: queue.New(),
	}
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// SetRandSource overrides every RNG this connection uses (handshake key
// generation and outbound frame masking), for deterministic tests.
func (c *Connection) SetRandSource(r RandSource) {
	if c.hs != nil {
		c.hs.SetRandSource(r)
	}
	if c.fp != nil {
		c.fp.SetRandSource(r)
	}
}

// ReceiveData feeds inbound bytes to whichever sub-machine is currently
// active and queues every event they produce. eof signals the transport
// will deliver no further bytes; a truncated handshake or message at eof
// surfaces as a RemoteProtocolError returned from this call.
func (c *Connection) ReceiveData(data []byte, eof bool) error {
	if eof {
		c.sawEOF = true
	}

	switch c.state {
	case StateConnecting, StateRejecting:
		return c.receiveHandshakeData(data)
	case StateOpen, StateLocalClosing, StateRemoteClosing:
		return c.receiveFrameData(data, eof)
	default:
		if len(data) > 0 {
			return newLocalError("received data after the connection reached CLOSED")
		}
		return nil
	}
}

func (c *Connection) receiveHandshakeData(data []byte) error {
	c.hs.ReceiveBytes(data)
	for {
		evs, err := c.hs.ReceiveEvents()
		if err != nil {
			c.enqueueFailure(err)
			return err
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			c.events.Add(ev)
			c.afterHandshakeEvent(ev)
		}
	}
	if c.sawEOF && !c.hs.Done() && c.events.Length() == 0 {
		err := newRemoteErrorNoHint(CloseAbnormalClosure, "transport closed before the handshake completed")
		c.enqueueFailure(err)
		return err
	}
	return nil
}

// afterHandshakeEvent advances State in response to an event the
// Handshake itself produced (as opposed to one the caller is Send-ing).
func (c *Connection) afterHandshakeEvent(ev Event) {
	switch e := ev.(type) {
	case RejectConnection:
		c.state = StateRejecting
		if !e.HasBody && c.hs.Done() {
			c.state = StateClosed
		}
	case RejectData:
		if e.BodyFinished {
			c.state = StateClosed
		}
	case AcceptConnection:
		// Only the client side learns AcceptConnection by receiving bytes;
		// the server side learns it by the caller Send-ing one instead.
		c.state = StateOpen
		c.fp = NewFrameProtocol(c.opts.Role == RoleClient, e.Extensions, c.opts.MaxMessageSize)
	}
}

func (c *Connection) receiveFrameData(data []byte, eof bool) error {
	c.fp.ReceiveBytes(data, eof)
	evs, err := c.fp.ReceiveEvents()
	for _, ev := range evs {
		c.events.Add(ev)
		c.afterFrameEvent(ev)
	}
	if err != nil {
		c.enqueueFailure(err)
		return err
	}
	if eof && c.state != StateClosed {
		// The peer went away without a Close frame: RFC 6455 Section
		// 7.1.5 calls this ABNORMAL_CLOSURE.
		abnormal := CloseConnection{Code: CloseAbnormalClosure, Reason: "transport closed without a close frame"}
		c.events.Add(abnormal)
		c.state = StateClosed
	}
	return nil
}

func (c *Connection) afterFrameEvent(ev Event) {
	if _, ok := ev.(CloseConnection); ok {
		if c.fp.SelfSentClose() {
			c.state = StateClosed
		} else {
			c.state = StateRemoteClosing
		}
	}
}

// enqueueFailure pushes a failed handshake/frame-processing error's
// EventHint, if any, so a caller that only reads Events still learns a
// Close is warranted.
func (c *Connection) enqueueFailure(err error) {
	if rpe, ok := err.(*RemoteProtocolError); ok {
		if rpe.EventHint != nil {
			c.events.Add(*rpe.EventHint)
		}
		c.state = StateClosed
	}
}

// Events drains and returns every event queued since the last call.
func (c *Connection) Events() []Event {
	out := make([]Event, 0, c.events.Length())
	for c.events.Length() > 0 {
		out = append(out, c.events.Remove().(Event))
	}
	return out
}

// Send encodes an outbound event into the bytes to write to the
// transport, or a LocalProtocolError if the event is illegal for the
// connection's current state.
func (c *Connection) Send(event Event) ([]byte, error) {
	switch e := event.(type) {
	case Request:
		return c.sendRequest(e)
	case AcceptConnection:
		return c.sendAccept(e)
	case RejectConnection:
		return c.sendReject(e)
	case RejectData:
		return c.sendRejectData(e)
	case TextMessage:
		return c.sendMessage(true, []byte(e.Data), e.MessageFinished)
	case BytesMessage:
		return c.sendMessage(false, e.Data, e.MessageFinished)
	case Ping:
		if c.state != StateOpen {
			return nil, newLocalError("cannot send Ping outside OPEN").WithContext("state", c.state.String())
		}
		return c.fp.SendPing(e.Payload)
	case Pong:
		if c.state != StateOpen && c.state != StateLocalClosing {
			return nil, newLocalError("cannot send Pong outside OPEN/LOCAL_CLOSING").WithContext("state", c.state.String())
		}
		return c.fp.SendPong(e.Payload)
	case CloseConnection:
		return c.sendClose(e)
	default:
		return nil, newLocalError("unsupported event type for Send")
	}
}

func (c *Connection) sendRequest(e Request) ([]byte, error) {
	if c.opts.Role != RoleClient {
		return nil, newLocalError("only a CLIENT-role connection may Send a Request")
	}
	if c.state != StateConnecting {
		return nil, newLocalError("Request already sent").WithContext("state", c.state.String())
	}
	return c.hs.BuildRequest(e)
}

func (c *Connection) sendAccept(e AcceptConnection) ([]byte, error) {
	if c.opts.Role != RoleServer {
		return nil, newLocalError("only a SERVER-role connection may Send an AcceptConnection")
	}
	if c.state != StateConnecting {
		return nil, newLocalError("cannot accept: handshake is not pending").WithContext("state", c.state.String())
	}
	out, err := c.hs.BuildAccept(e)
	if err != nil {
		return nil, err
	}
	c.state = StateOpen
	c.fp = NewFrameProtocol(false, e.Extensions, c.opts.MaxMessageSize)
	return out, nil
}

func (c *Connection) sendReject(e RejectConnection) ([]byte, error) {
	if c.opts.Role != RoleServer {
		return nil, newLocalError("only a SERVER-role connection may Send a RejectConnection")
	}
	if c.state != StateConnecting {
		return nil, newLocalError("cannot reject: handshake is not pending").WithContext("state", c.state.String())
	}
	out, err := c.hs.BuildReject(e)
	if err != nil {
		return nil, err
	}
	c.state = StateRejecting
	if !e.HasBody {
		c.state = StateClosed
	}
	return out, nil
}

func (c *Connection) sendRejectData(e RejectData) ([]byte, error) {
	if c.state != StateRejecting {
		return nil, newLocalError("no rejection in progress").WithContext("state", c.state.String())
	}
	out := c.hs.BuildRejectData(e)
	if e.BodyFinished {
		c.state = StateClosed
	}
	return out, nil
}

func (c *Connection) sendMessage(text bool, data []byte, finished bool) ([]byte, error) {
	if c.state != StateOpen {
		return nil, newLocalError("cannot send a data message outside OPEN").WithContext("state", c.state.String())
	}
	return c.fp.SendMessage(text, data, finished)
}

func (c *Connection) sendClose(e CloseConnection) ([]byte, error) {
	if c.state != StateOpen && c.state != StateRemoteClosing {
		return nil, newLocalError("cannot send Close outside OPEN/REMOTE_CLOSING").WithContext("state", c.state.String())
	}
	out, err := c.fp.SendClose(e.Code, e.Reason)
	if err != nil {
		return nil, err
	}
	if c.state == StateRemoteClosing {
		c.state = StateClosed
	} else {
		c.state = StateLocalClosing
	}
	return out, nil
}
