// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package proxy accepts raw TCP connections, sniffs the HTTP request head,
// classifies it into one of the supported request shapes and dispatches it:
// reverse-proxied HTTP, piped WebSocket upgrades, forward-proxy requests,
// CONNECT tunnels (plain or TLS-intercepted) and the built-in dashboard.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"localhome.dev/discovery"
	"localhome.dev/mitm"
	"localhome.dev/parse"
	"localhome.dev/stats"
	"localhome.dev/web"
)

// maxHeaderBytes caps how much we buffer while waiting for the end of the
// request head. Anything larger is junk or an attack; the connection is
// dropped without a response.
const maxHeaderBytes = 64 << 10

// Server owns the shared state every connection handler needs: the discovery
// cache for name lookups, the TLS interception registry (optional) and the
// dashboard.
type Server struct {
	ListenPort int
	Cache      *discovery.Cache
	MITM       *mitm.Registry
	Web        *web.Server

	client *http.Client
}

func NewServer(listenPort int, cache *discovery.Cache, registry *mitm.Registry, webServer *web.Server) *Server {
	return &Server{
		ListenPort: listenPort,
		Cache:      cache,
		MITM:       registry,
		Web:        webServer,
		client:     newBackendClient(),
	}
}

// HandleConn services one accepted connection to completion. Every shape is
// single-use: the connection closes when the exchange (or tunnel) ends.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := uuid.NewString()[:8]

	buf, req, err := readHead(conn)
	if err != nil {
		slog.Debug("dropping connection", "conn", id, "err", err)
		return
	}

	route := s.Classify(ctx, req)
	stats.ConnectionsTotal.WithLabelValues(route.Kind.String()).Inc()
	slog.Debug("classified request", "conn", id, "kind", route.Kind, "method", req.Method, "host", route.Host, "port", route.Port)

	switch route.Kind {
	case KindDashboard:
		s.serveDashboard(conn, buf)

	case KindHTTP, KindForwardHTTP:
		s.serveHTTP(ctx, conn, req, buf[req.HeaderEnd:], route)

	case KindWebsocket:
		s.servePipe(id, conn, route, buf)

	case KindForwardWS:
		s.servePipe(id, conn, route, rewriteForward(buf, route.Path, route.Port))

	case KindConnect:
		s.serveConnect(id, conn, route)

	case KindConnectMITM:
		s.serveConnectMITM(ctx, id, conn, route)

	case KindRedirectTLS:
		writeRedirect(conn, route.Location)

	case KindNotFound:
		writeSimple(conn, http.StatusNotFound, "text/plain; charset=utf-8", fmt.Sprintf("No server found for %q\n", route.Host))

	case KindForbidden:
		writeSimple(conn, http.StatusForbidden, "text/plain; charset=utf-8", "Forbidden\n")

	case KindClose:
		// Nothing on the wire: the client treats it as connection refused.
	}
}

// readHead accumulates bytes until a complete header block is parsed. The
// returned buffer holds everything read so far, including any body bytes past
// the header terminator.
func readHead(conn net.Conn) ([]byte, *parse.Request, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		if req, done := parse.Header(buf); done {
			if req == nil {
				return nil, nil, fmt.Errorf("malformed request line")
			}
			return buf, req, nil
		}
		if len(buf) > maxHeaderBytes {
			return nil, nil, fmt.Errorf("request head exceeds %d bytes", maxHeaderBytes)
		}

		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read request head: %w", err)
		}
	}
}

// serveDashboard replays the buffered bytes through the standard HTTP parser
// so the dashboard handler sees an ordinary *http.Request.
func (s *Server) serveDashboard(conn net.Conn, buf []byte) {
	hreq, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		writeSimple(conn, http.StatusBadRequest, "text/plain; charset=utf-8", "Bad request\n")
		return
	}
	s.Web.HandleRaw(hreq, conn)
}

// servePipe dials the backend and splices the two connections, feeding the
// already-buffered client bytes first.
func (s *Server) servePipe(id string, conn net.Conn, route Route, initial []byte) {
	backend, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", route.Port), 10*time.Second)
	if err != nil {
		stats.BackendErrorsTotal.WithLabelValues(route.Kind.String()).Inc()
		writeSimple(conn, http.StatusBadGateway, "text/plain; charset=utf-8", fmt.Sprintf("Proxy error connecting to localhost:%d: %v\n", route.Port, err))
		return
	}
	defer backend.Close()

	p := &rawPipe{id: id, client: conn, backend: backend}
	if err := p.run(initial); err != nil {
		slog.Debug("pipe finished with error", "conn", id, "err", err)
	}
}

// serveConnect opens the tunnel, acknowledges with 200 and splices bytes.
// The first client chunk gets a Host/Origin rewrite so plain-HTTP CONNECT
// clients (curl -p) reach the backend with a Host it expects.
func (s *Server) serveConnect(id string, conn net.Conn, route Route) {
	backend, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", route.Port), 10*time.Second)
	if err != nil {
		stats.BackendErrorsTotal.WithLabelValues(route.Kind.String()).Inc()
		writeSimple(conn, http.StatusBadGateway, "text/plain; charset=utf-8", fmt.Sprintf("Proxy error connecting to localhost:%d: %v\n", route.Port, err))
		return
	}
	defer backend.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	p := &rawPipe{id: id, client: conn, backend: backend, rewritePort: route.Port}
	if err := p.run(nil); err != nil {
		slog.Debug("tunnel finished with error", "conn", id, "err", err)
	}
}

// serveConnectMITM bridges the tunnel to the per-hostname virtual TLS server
// instead of the backend. The bridge is connected before the 200 goes out so
// the ClientHello that follows immediately has somewhere to land.
func (s *Server) serveConnectMITM(ctx context.Context, id string, conn net.Conn, route Route) {
	vs, err := s.MITM.Get(ctx, route.Host)
	if err != nil {
		slog.Error("virtual server unavailable", "conn", id, "hostname", route.Host, "err", err)
		return
	}

	bridge, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", vs.Port), 10*time.Second)
	if err != nil {
		slog.Error("failed to reach virtual server", "conn", id, "hostname", route.Host, "port", vs.Port, "err", err)
		return
	}
	defer bridge.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	p := &rawPipe{id: id, client: conn, backend: bridge}
	if err := p.run(nil); err != nil {
		slog.Debug("intercepted tunnel finished with error", "conn", id, "err", err)
	}
}
