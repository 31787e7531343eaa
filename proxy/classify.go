// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"net"
	"net/url"
	"strings"

	"localhome.dev/parse"
)

// Kind is the request shape a completed header block classifies into.
// Exactly one kind is chosen per connection.
type Kind int

const (
	KindDashboard Kind = iota
	KindHTTP             // reverse-proxy HTTP
	KindWebsocket        // reverse-proxy WebSocket upgrade
	KindForwardHTTP      // absolute-URI forward proxy
	KindForwardWS        // absolute-URI forward proxy with upgrade
	KindConnect          // CONNECT, plain tunnel
	KindConnectMITM      // CONNECT :443 with TLS interception
	KindRedirectTLS      // forward HTTP nudged to HTTPS
	KindNotFound         // reverse lookup miss: 404
	KindForbidden        // Host header outside the allowlist: 403
	KindClose            // close without writing anything
)

func (k Kind) String() string {
	switch k {
	case KindDashboard:
		return "dashboard"
	case KindHTTP:
		return "http"
	case KindWebsocket:
		return "websocket"
	case KindForwardHTTP:
		return "forward_http"
	case KindForwardWS:
		return "forward_ws"
	case KindConnect:
		return "connect"
	case KindConnectMITM:
		return "connect_mitm"
	case KindRedirectTLS:
		return "redirect_tls"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindClose:
		return "close"
	}
	return "unknown"
}

// Route is a classification result: the kind plus only the fields that kind
// needs.
type Route struct {
	Kind Kind

	Name     string // service name, for lookups that hit
	Port     int    // resolved backend port
	Path     string // relative request target (forward and CONNECT-MITM paths)
	Location string // redirect target for KindRedirectTLS
	Host     string // host as seen on the wire, port stripped
}

// serviceName maps a hostname to its mapping key: "testapp.localhost" and
// "testapp" both key on "testapp".
func serviceName(host string) string {
	return strings.TrimSuffix(host, ".localhost")
}

// hostAllowed applies the non-proxy Host allowlist: localhost and its
// subdomains, loopback literals, and any bare single-label name. Everything
// else gets a 403 so a stray DNS name can never be routed.
func hostAllowed(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if strings.HasSuffix(host, ".localhost") {
		return true
	}
	return !strings.Contains(host, ".")
}

// Classify applies the request-shape rules in order: CONNECT first, then
// absolute-URI forward proxy, then Host-based reverse routing. It performs
// at most one mapping lookup through the cache.
func (s *Server) Classify(ctx context.Context, req *parse.Request) Route {
	if req.Method == "CONNECT" {
		return s.classifyConnect(ctx, req)
	}

	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		return s.classifyForward(ctx, req)
	}

	host := req.Host()
	if !hostAllowed(host) {
		return Route{Kind: KindForbidden, Host: host}
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return Route{Kind: KindDashboard, Host: host}
	}

	name := serviceName(host)
	port, ok := s.Cache.Lookup(ctx, name)
	if !ok {
		return Route{Kind: KindNotFound, Name: name, Host: host}
	}
	if port == s.ListenPort {
		return Route{Kind: KindDashboard, Host: host}
	}
	if req.IsUpgrade() {
		return Route{Kind: KindWebsocket, Name: name, Port: port, Host: host}
	}
	return Route{Kind: KindHTTP, Name: name, Port: port, Host: host}
}

func (s *Server) classifyConnect(ctx context.Context, req *parse.Request) Route {
	host, portStr, err := net.SplitHostPort(req.Target)
	if err != nil {
		host, portStr = req.Target, "443"
	}

	name := serviceName(host)
	port, ok := s.Cache.Lookup(ctx, name)
	if !ok {
		// No response at all: the browser falls back to DIRECT per the PAC.
		return Route{Kind: KindClose, Name: name, Host: host}
	}

	if portStr == "443" && s.MITM.Available() {
		return Route{Kind: KindConnectMITM, Name: name, Port: port, Host: host}
	}
	return Route{Kind: KindConnect, Name: name, Port: port, Host: host}
}

func (s *Server) classifyForward(ctx context.Context, req *parse.Request) Route {
	u, err := url.Parse(req.Target)
	if err != nil || u.Hostname() == "" {
		return Route{Kind: KindClose}
	}

	host := u.Hostname()
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	name := serviceName(host)
	port, ok := s.Cache.Lookup(ctx, name)
	if !ok {
		return Route{Kind: KindClose, Name: name, Host: host}
	}
	if port == s.ListenPort {
		return Route{Kind: KindDashboard, Host: host}
	}

	if req.IsUpgrade() {
		return Route{Kind: KindForwardWS, Name: name, Port: port, Path: path, Host: host}
	}
	if u.Scheme == "http" && s.MITM.Available() {
		// With interception available, plain-HTTP forward requests are nudged
		// onto HTTPS so every bare-name service gets the same origin. An
		// https target is already there; redirecting it again would loop.
		return Route{Kind: KindRedirectTLS, Name: name, Host: host, Location: "https://" + host + path}
	}
	return Route{Kind: KindForwardHTTP, Name: name, Port: port, Path: path, Host: host}
}
