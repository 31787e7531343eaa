// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"localhome.dev/parse"
	"localhome.dev/stats"
)

// Hop-by-hop headers never travel past a proxy.
var hopHeaders = []string{
	"connection",
	"keep-alive",
	"transfer-encoding",
	"te",
	"trailer",
	"upgrade",
}

// Conditional headers are stripped so backends always answer with a full
// body instead of 304.
var conditionalHeaders = []string{
	"if-none-match",
	"if-modified-since",
}

// Headers stripped from proxied responses. The transport has already
// decompressed the body, so the original content-length and encoding would
// be lies; Connection: close delimits the body instead.
var responseStrip = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Content-Encoding":  true,
}

func newBackendClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// buildBackendRequest converts the parsed client request into the outbound
// fetch: hop-by-hop and conditional headers dropped, Accept-Encoding dropped
// so the transport owns (and transparently undoes) compression, and for
// forward-proxy requests the Host replaced with the backend's.
func buildBackendRequest(ctx context.Context, req *parse.Request, body []byte, route Route) (*http.Request, error) {
	path := req.Target
	if route.Kind == KindForwardHTTP {
		path = route.Path
	}

	var reqBody io.Reader
	if req.Method != "GET" && req.Method != "HEAD" && len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, fmt.Sprintf("http://localhost:%d%s", route.Port, path), reqBody)
	if err != nil {
		return nil, err
	}

	skip := map[string]bool{"host": true, "content-length": true, "accept-encoding": true}
	for _, name := range hopHeaders {
		skip[name] = true
	}
	for _, name := range conditionalHeaders {
		skip[name] = true
	}
	for key, val := range req.Headers {
		if skip[key] {
			continue
		}
		hreq.Header.Set(key, val)
	}

	if route.Kind == KindForwardHTTP {
		hreq.Host = fmt.Sprintf("localhost:%d", route.Port)
	} else if host := req.Header("host"); host != "" {
		hreq.Host = host
	}
	hreq.Close = true
	return hreq, nil
}

// serveHTTP runs the reverse or forward HTTP proxy path: one outbound fetch,
// one streamed response, then close.
func (s *Server) serveHTTP(ctx context.Context, conn net.Conn, req *parse.Request, body []byte, route Route) {
	hreq, err := buildBackendRequest(ctx, req, body, route)
	if err != nil {
		writeSimple(conn, http.StatusBadGateway, "text/plain; charset=utf-8", fmt.Sprintf("Proxy error: %v\n", err))
		return
	}

	resp, err := s.client.Do(hreq)
	if err != nil {
		stats.BackendErrorsTotal.WithLabelValues(route.Kind.String()).Inc()
		writeSimple(conn, http.StatusBadGateway, "text/plain; charset=utf-8", fmt.Sprintf("Proxy error fetching %s: %v\n", hreq.URL, err))
		return
	}
	defer resp.Body.Close()

	head := new(bytes.Buffer)
	fmt.Fprintf(head, "HTTP/1.1 %s\r\n", resp.Status)
	for key, vals := range resp.Header {
		if responseStrip[key] {
			continue
		}
		for _, val := range vals {
			fmt.Fprintf(head, "%s: %s\r\n", key, val)
		}
	}
	fmt.Fprintf(head, "Connection: close\r\n\r\n")

	if _, err := conn.Write(head.Bytes()); err != nil {
		return
	}
	io.Copy(conn, resp.Body)
}

// writeSimple emits a complete self-delimiting response on a raw connection.
func writeSimple(conn net.Conn, status int, contentType, body string, extra ...string) {
	b := new(bytes.Buffer)
	fmt.Fprintf(b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if contentType != "" {
		fmt.Fprintf(b, "Content-Type: %s\r\n", contentType)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		fmt.Fprintf(b, "%s: %s\r\n", extra[i], extra[i+1])
	}
	fmt.Fprintf(b, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(b, "Connection: close\r\n\r\n")
	b.WriteString(body)
	conn.Write(b.Bytes())
}

func writeRedirect(conn net.Conn, location string) {
	b := new(bytes.Buffer)
	fmt.Fprintf(b, "HTTP/1.1 302 Found\r\n")
	fmt.Fprintf(b, "Location: %s\r\n", location)
	fmt.Fprintf(b, "Content-Length: 0\r\n")
	fmt.Fprintf(b, "Connection: close\r\n\r\n")
	conn.Write(b.Bytes())
}
