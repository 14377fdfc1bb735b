// File: protocol/errors.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two error kinds, per RFC 6455 engine design: a caller-side misuse
// (LocalProtocolError) and a peer protocol violation (RemoteProtocolError).
// Both carry structured context, generalizing the Code/Message/Context/
// WithContext pattern this library's predecessor used for its generic
// api.Error type.

package protocol

import "fmt"

// LocalProtocolError indicates the caller misused the API: an illegal
// event for the current connection state, a malformed event field, or an
// oversized control frame payload. It is returned synchronously from Send,
// and from ReceiveData when bytes arrive after the connection is CLOSED.
type LocalProtocolError struct {
	Message string
	Context map[string]any
}

func (e *LocalProtocolError) Error() string {
	if len(e.Context) == 0 {
		return "local protocol error: " + e.Message
	}
	return fmt.Sprintf("local protocol error: %s (context: %+v)", e.Message, e.Context)
}

// WithContext attaches a diagnostic key/value pair and returns the
// receiver for chaining.
func (e *LocalProtocolError) WithContext(key string, value any) *LocalProtocolError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newLocalError(message string) *LocalProtocolError {
	return &LocalProtocolError{Message: message}
}

// RemoteProtocolError indicates the peer violated RFC 6455. It is returned
// synchronously from the Connection.ReceiveData call that fed the offending
// bytes (Events itself returns no error). EventHint, when non-nil, is the
// CloseConnection event the caller should Send in response; it is nil when
// the peer has already closed the underlying byte stream.
type RemoteProtocolError struct {
	Code      CloseReason
	Message   string
	EventHint *CloseConnection
	Context   map[string]any
}

func (e *RemoteProtocolError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("remote protocol error (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote protocol error (%d): %s (context: %+v)", e.Code, e.Message, e.Context)
}

// WithContext attaches a diagnostic key/value pair and returns the
// receiver for chaining.
func (e *RemoteProtocolError) WithContext(key string, value any) *RemoteProtocolError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newRemoteError(code CloseReason, message string) *RemoteProtocolError {
	return &RemoteProtocolError{
		Code:      code,
		Message:   message,
		EventHint: &CloseConnection{Code: code, Reason: message},
	}
}

// newRemoteErrorNoHint builds a RemoteProtocolError for the case where the
// peer already tore down the transport, so there is nothing useful to send
// back (EventHint stays nil).
func newRemoteErrorNoHint(code CloseReason, message string) *RemoteProtocolError {
	return &RemoteProtocolError{Code: code, Message: message}
}
