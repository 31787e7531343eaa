// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package parse recognizes a complete HTTP/1.1 request-header block inside a
// byte buffer. It deliberately stops at the blank line: bodies are never
// interpreted, only carried.
package parse

import (
	"bytes"
	"strings"
)

var crlf2 = []byte("\r\n\r\n")

// Request is a parsed request-header block. Header keys are lowercased and
// values trimmed; duplicate keys collapse last-wins. HeaderEnd is the offset
// of the first byte after the terminating blank line, so buf[HeaderEnd:] is
// whatever body bytes arrived alongside the headers.
type Request struct {
	Method    string
	Target    string
	Proto     string
	Headers   map[string]string
	HeaderEnd int
}

// Header looks up a header value case-insensitively.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// IsUpgrade reports whether this is a WebSocket upgrade: the Upgrade header
// must equal "websocket" and the Connection header must contain the token
// "upgrade", both case-insensitive.
func (r *Request) IsUpgrade() bool {
	if !strings.EqualFold(r.Header("upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header("connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// Host returns the Host header with any :port suffix removed. A bracketed
// IPv6 literal keeps its brackets stripped as well.
func (r *Request) Host() string {
	host := r.Header("host")
	if strings.HasPrefix(host, "[") {
		if idx := strings.IndexByte(host, ']'); idx >= 0 {
			return host[1:idx]
		}
		return host
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

// Header parses buf as a request-header block. It returns (nil, false) until
// buf contains the "\r\n\r\n" terminator; a malformed request line once the
// block is complete yields (nil, true).
func Header(buf []byte) (*Request, bool) {
	end := bytes.Index(buf, crlf2)
	if end < 0 {
		return nil, false
	}

	lines := strings.Split(string(buf[:end]), "\r\n")
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 3 {
		return nil, true
	}

	req := &Request{
		Method:    fields[0],
		Target:    fields[1],
		Proto:     fields[2],
		Headers:   make(map[string]string, len(lines)-1),
		HeaderEnd: end + len(crlf2),
	}
	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		req.Headers[key] = strings.TrimSpace(line[idx+1:])
	}
	return req, true
}
