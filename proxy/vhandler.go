// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"localhome.dev/stats"
)

// VirtualHandler builds the handler mounted behind the TLS-intercepting
// virtual server for one hostname. The hostname is fixed at interception
// time, so the handler resolves it on every request and proxies to whatever
// port the name currently maps to.
func (s *Server) VirtualHandler(hostname string) http.Handler {
	name := serviceName(hostname)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		port, ok := s.Cache.Lookup(r.Context(), name)
		if !ok {
			http.Error(w, fmt.Sprintf("No server found for %q", hostname), http.StatusBadGateway)
			return
		}
		if port == s.ListenPort {
			s.Web.ServeHTTP(w, r)
			return
		}
		if isUpgradeRequest(r) {
			s.bridgeWebsocket(w, r, port)
			return
		}
		s.fetchUpstream(w, r, port)
	})
}

func isUpgradeRequest(r *http.Request) bool {
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return false
	}
	return headerContainsToken(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(value, token string) bool {
	for _, part := range splitCommaList(value) {
		if strings.EqualFold(part, token) {
			return true
		}
	}
	return false
}

func splitCommaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fetchUpstream proxies one HTTPS request to the plain-HTTP backend and
// streams the response back, flushing as it goes so server-sent events and
// long polls work through the interception layer.
func (s *Server) fetchUpstream(w http.ResponseWriter, r *http.Request, port int) {
	outURL := fmt.Sprintf("http://localhost:%d%s", port, r.URL.RequestURI())
	hreq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Proxy error: %v", err), http.StatusBadGateway)
		return
	}

	skip := map[string]bool{"host": true, "content-length": true, "accept-encoding": true}
	for _, name := range hopHeaders {
		skip[name] = true
	}
	for _, name := range conditionalHeaders {
		skip[name] = true
	}
	for key, vals := range r.Header {
		if skip[strings.ToLower(key)] {
			continue
		}
		for _, val := range vals {
			hreq.Header.Add(key, val)
		}
	}
	hreq.Host = fmt.Sprintf("localhost:%d", port)

	resp, err := s.client.Do(hreq)
	if err != nil {
		stats.BackendErrorsTotal.WithLabelValues("virtual").Inc()
		http.Error(w, fmt.Sprintf("Proxy error fetching %s: %v", outURL, err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if responseStrip[key] {
			continue
		}
		for _, val := range vals {
			w.Header().Add(key, val)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client hung up: drain the backend so its connection can be
				// reused, then stop.
				io.Copy(io.Discard, resp.Body)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// bridgeWebsocket terminates the client's TLS WebSocket and opens a plain one
// to the backend, relaying messages in both directions. The backend dial
// happens before the client upgrade so a backend refusal surfaces as an HTTP
// error instead of a dead socket.
func (s *Server) bridgeWebsocket(w http.ResponseWriter, r *http.Request, port int) {
	ctx := r.Context()

	outURL := fmt.Sprintf("ws://localhost:%d%s", port, r.URL.RequestURI())
	opts := &websocket.DialOptions{
		HTTPHeader:   http.Header{"Origin": []string{fmt.Sprintf("http://localhost:%d", port)}},
		Subprotocols: splitCommaList(r.Header.Get("Sec-Websocket-Protocol")),
	}
	backend, bresp, err := websocket.Dial(ctx, outURL, opts)
	if err != nil {
		stats.BackendErrorsTotal.WithLabelValues("virtual_ws").Inc()
		http.Error(w, fmt.Sprintf("Proxy error connecting websocket to %s: %v", outURL, err), http.StatusBadGateway)
		return
	}
	if bresp != nil && bresp.Body != nil {
		bresp.Body.Close()
	}
	defer backend.Close(websocket.StatusInternalError, "proxy shutting down")

	accept := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if sub := backend.Subprotocol(); sub != "" {
		accept.Subprotocols = []string{sub}
	}
	client, err := websocket.Accept(w, r, accept)
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer client.Close(websocket.StatusInternalError, "proxy shutting down")

	errs := make(chan error, 2)
	go func() { errs <- relayWebsocket(ctx, client, backend) }()
	go func() { errs <- relayWebsocket(ctx, backend, client) }()

	err = errors.Join(<-errs, <-errs)
	if err != nil {
		slog.Debug("websocket bridge closed", "err", err)
	}
}

// relayWebsocket copies messages from src to dst until either side closes,
// propagating the close status so applications see the code their peer sent.
func relayWebsocket(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, b, err := src.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				dst.Close(status, "")
				return nil
			}
			dst.Close(websocket.StatusAbnormalClosure, "")
			return err
		}
		if err := dst.Write(ctx, typ, b); err != nil {
			return err
		}
	}
}
