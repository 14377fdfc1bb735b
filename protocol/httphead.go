// File: protocol/httphead.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HeadParser is the collaborator contract SPEC_FULL.md §6 calls for: the
// Handshake delegates HTTP/1.1 request/response head parsing to it rather
// than implementing wire-syntax parsing itself. DefaultHeadParser is a
// usable-out-of-the-box implementation, grounded in the teacher's own
// bufio.NewReader(r) + http.ReadRequest pattern (protocol/handshake.go in
// the previous transport-bound revision), adapted to work over an
// in-memory byte slice instead of a live socket so the sans-I/O contract
// holds: ParseRequestHead/ParseResponseHead never block and never read
// past the bytes already buffered.

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// RequestHead is a parsed HTTP/1.1 request line plus headers.
type RequestHead struct {
	Method     string
	Target     string
	Host       string
	ProtoMajor int
	ProtoMinor int
	Headers    []HeaderField
}

// ResponseHead is a parsed HTTP/1.1 status line plus headers.
type ResponseHead struct {
	StatusCode int
	Reason     string
	ProtoMajor int
	ProtoMinor int
	Headers    []HeaderField
}

// Get returns the first value of the named header, case-insensitively, or
// "" if absent.
func (h RequestHead) Get(name string) string { return getHeader(h.Headers, name) }

// CommaList returns the named header's value(s) split on commas and
// trimmed, tolerating both "one header with a comma list" and "several
// headers with the same name" forms, per SPEC_FULL.md §6.
func (h RequestHead) CommaList(name string) []string { return commaList(h.Headers, name) }

// Get returns the first value of the named header, case-insensitively.
func (h ResponseHead) Get(name string) string { return getHeader(h.Headers, name) }

// CommaList is RequestHead.CommaList's response-side counterpart.
func (h ResponseHead) CommaList(name string) []string { return commaList(h.Headers, name) }

func getHeader(headers []HeaderField, name string) string {
	for _, f := range headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func commaList(headers []HeaderField, name string) []string {
	var out []string
	for _, f := range headers {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		for _, part := range strings.Split(f.Value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// hasToken reports whether name's comma-list value contains token,
// case-insensitively.
func hasToken(headers []HeaderField, name, token string) bool {
	for _, v := range commaList(headers, name) {
		if strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}

// HeadParser parses and formats HTTP/1.1 request/response heads, the
// external collaborator SPEC_FULL.md §6 specifies so Handshake never
// touches HTTP/1.1 wire syntax itself.
type HeadParser interface {
	// ParseRequestHead attempts to parse one complete request head (the
	// request line through the blank line terminating headers) from buf.
	// ok=false means buf does not yet hold a complete head; err is nil in
	// that case. A non-nil err means the bytes present are malformed.
	ParseRequestHead(buf []byte) (head RequestHead, consumed int, ok bool, err error)

	// ParseResponseHead is ParseRequestHead's response-side counterpart.
	ParseResponseHead(buf []byte) (head ResponseHead, consumed int, ok bool, err error)

	// FormatRequestHead serializes a request head to wire bytes.
	FormatRequestHead(head RequestHead) []byte

	// FormatResponseHead serializes a response head to wire bytes.
	FormatResponseHead(head ResponseHead) []byte
}

// DefaultHeadParser is the HeadParser this package ships so the engine
// runs standalone without a host HTTP stack. It is built entirely on
// bufio and net/http, parsing against an in-memory slice of exactly the
// already-buffered head bytes rather than a live connection.
type DefaultHeadParser struct{}

func (DefaultHeadParser) ParseRequestHead(buf []byte) (RequestHead, int, bool, error) {
	end := headEnd(buf)
	if end < 0 {
		return RequestHead{}, 0, false, nil
	}
	br := bufio.NewReader(bytes.NewReader(buf[:end]))
	req, err := http.ReadRequest(br)
	if err != nil {
		return RequestHead{}, 0, false, fmt.Errorf("parse request head: %w", err)
	}
	return RequestHead{
		Method:     req.Method,
		Target:     req.URL.RequestURI(),
		Host:       req.Host,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Headers:    headerFields(req.Header),
	}, end, true, nil
}

func (DefaultHeadParser) ParseResponseHead(buf []byte) (ResponseHead, int, bool, error) {
	end := headEnd(buf)
	if end < 0 {
		return ResponseHead{}, 0, false, nil
	}
	br := bufio.NewReader(bytes.NewReader(buf[:end]))
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return ResponseHead{}, 0, false, fmt.Errorf("parse response head: %w", err)
	}
	return ResponseHead{
		StatusCode: resp.StatusCode,
		Reason:     strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Headers:    headerFields(resp.Header),
	}, end, true, nil
}

func (DefaultHeadParser) FormatRequestHead(head RequestHead) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", head.Method, head.Target)
	for _, f := range head.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (DefaultHeadParser) FormatResponseHead(head ResponseHead) []byte {
	var b bytes.Buffer
	reason := head.Reason
	if reason == "" {
		reason = http.StatusText(head.StatusCode)
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", head.StatusCode, reason)
	for _, f := range head.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// headEnd returns the index just past the blank line terminating an
// HTTP/1.1 head ("\r\n\r\n"), or -1 if buf does not yet contain one.
func headEnd(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

// headerFields flattens an http.Header into ordered pairs, preserving one
// entry per value rather than collapsing repeats, so CommaList's tolerant
// re-joining sees exactly what was on the wire.
func headerFields(h http.Header) []HeaderField {
	var out []HeaderField
	for name, values := range h {
		for _, v := range values {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}
