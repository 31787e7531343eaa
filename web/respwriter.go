// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package web

import (
	"fmt"
	"io"
	"net/http"
)

// connResponseWriter adapts a raw connection into an http.ResponseWriter so
// standard handlers can answer requests the listener classified itself. The
// response is always HTTP/1.1 with Connection: close; the body streams
// through a pipe so handlers that flush incrementally still work.
type connResponseWriter struct {
	conn         io.Writer
	pw           *io.PipeWriter
	done         chan struct{}
	resp         *http.Response
	wroteHeader  bool
	sentResponse bool
	hasContent   bool
}

var _ http.ResponseWriter = new(connResponseWriter)

func newConnResponseWriter(conn io.Writer) *connResponseWriter {
	pr, pw := io.Pipe()
	return &connResponseWriter{
		conn: conn,
		pw:   pw,
		done: make(chan struct{}),
		resp: &http.Response{
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       pr,
			Close:      true,
		},
	}
}

func (w *connResponseWriter) finish() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if !w.sentResponse {
		w.sendResponse()
	}
	w.pw.Close()
	<-w.done
}

func (w *connResponseWriter) sendResponse() {
	if w.sentResponse {
		return
	}
	w.sentResponse = true

	if w.hasContent {
		w.resp.ContentLength = -1
	}

	go func() {
		defer close(w.done)
		w.resp.Write(w.conn)
	}()
}

func (w *connResponseWriter) Header() http.Header {
	return w.resp.Header
}

func (w *connResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	w.resp.StatusCode = code
	w.resp.Status = fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func (w *connResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	w.hasContent = true
	if !w.sentResponse {
		w.sendResponse()
	}
	return w.pw.Write(b)
}
