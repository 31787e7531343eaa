// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"bytes"
	"fmt"
	"strings"
)

// rewriteForward rebuilds a forward-proxy request buffer for direct delivery
// to the backend: the absolute-URI request line becomes a relative one, and
// Host/Origin point at the backend. Any body bytes after the header block
// pass through untouched.
func rewriteForward(buf []byte, path string, port int) []byte {
	head, body, ok := splitHeaderBlock(buf)
	if !ok {
		return buf
	}

	lines := strings.Split(string(head), "\r\n")
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) == 3 {
		lines[0] = fmt.Sprintf("%s %s %s", fields[0], path, fields[2])
	}
	rewriteHostLines(lines, port)

	out := []byte(strings.Join(lines, "\r\n"))
	out = append(out, crlf2...)
	return append(out, body...)
}

// rewriteHostOrigin rewrites the Host and Origin headers of the first
// client chunk inside a CONNECT tunnel. Bytes past the header terminator,
// or the whole chunk if no terminator is present, are never touched.
func rewriteHostOrigin(chunk []byte, port int) []byte {
	head, body, ok := splitHeaderBlock(chunk)
	if !ok {
		return chunk
	}

	lines := strings.Split(string(head), "\r\n")
	rewriteHostLines(lines, port)

	out := []byte(strings.Join(lines, "\r\n"))
	out = append(out, crlf2...)
	return append(out, body...)
}

var crlf2 = []byte("\r\n\r\n")

func splitHeaderBlock(buf []byte) (head, body []byte, ok bool) {
	idx := bytes.Index(buf, crlf2)
	if idx < 0 {
		return nil, nil, false
	}
	return buf[:idx], buf[idx+len(crlf2):], true
}

func rewriteHostLines(lines []string, port int) {
	for i, line := range lines {
		switch {
		case hasHeaderPrefix(line, "host:"):
			lines[i] = fmt.Sprintf("Host: localhost:%d", port)
		case hasHeaderPrefix(line, "origin:"):
			lines[i] = fmt.Sprintf("Origin: http://localhost:%d", port)
		}
	}
}

func hasHeaderPrefix(line, prefix string) bool {
	return len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix)
}
