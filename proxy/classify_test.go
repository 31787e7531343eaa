// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"localhome.dev/discovery"
	"localhome.dev/mitm"
	"localhome.dev/parse"
	"localhome.dev/web"
)

type staticScanner struct {
	entries []discovery.ServiceEntry
}

func (s staticScanner) Scan(ctx context.Context) ([]discovery.ServiceEntry, error) {
	return s.entries, nil
}

func newTestServer(t *testing.T, listenPort int, mapping map[string]int, registry *mitm.Registry) *Server {
	t.Helper()
	var entries []discovery.ServiceEntry
	for name, port := range mapping {
		entries = append(entries, discovery.ServiceEntry{Name: name, Port: port, PID: 1234, Command: "test"})
	}
	cache := discovery.NewCache(staticScanner{entries: entries}, time.Minute)
	if registry == nil {
		registry = mitm.NewRegistry(nil, nil)
	}
	s := NewServer(listenPort, cache, registry, nil)
	s.Web = web.NewServer(listenPort, cache.Entries)
	return s
}

func newTestRegistry(t *testing.T, handler func(string) http.Handler) *mitm.Registry {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")
	if err := mitm.GenerateCA(certPath, keyPath); err != nil {
		t.Fatalf("generate CA: %v", err)
	}
	issuer, err := mitm.LoadIssuer(certPath, keyPath)
	if err != nil {
		t.Fatalf("load issuer: %v", err)
	}
	return mitm.NewRegistry(issuer, handler)
}

func mustParse(t *testing.T, raw string) *parse.Request {
	t.Helper()
	req, done := parse.Header([]byte(raw))
	if !done || req == nil {
		t.Fatalf("test request does not parse:\n%s", raw)
	}
	return req
}

func TestClassify(t *testing.T) {
	mapping := map[string]int{"testapp": 3000, "dash": 9090}

	for _, tt := range []struct {
		name string
		raw  string
		mitm bool
		want Kind
		port int
	}{
		{
			name: "reverse http via localhost subdomain",
			raw:  "GET /api HTTP/1.1\r\nHost: testapp.localhost:9090\r\n\r\n",
			want: KindHTTP,
			port: 3000,
		},
		{
			name: "reverse http via bare name",
			raw:  "GET / HTTP/1.1\r\nHost: testapp\r\n\r\n",
			want: KindHTTP,
			port: 3000,
		},
		{
			name: "reverse websocket upgrade",
			raw:  "GET /ws HTTP/1.1\r\nHost: testapp\r\nUpgrade: websocket\r\nConnection: keep-alive, Upgrade\r\n\r\n",
			want: KindWebsocket,
			port: 3000,
		},
		{
			name: "localhost host serves dashboard",
			raw:  "GET / HTTP/1.1\r\nHost: localhost:9090\r\n\r\n",
			want: KindDashboard,
		},
		{
			name: "loopback literal serves dashboard",
			raw:  "GET / HTTP/1.1\r\nHost: 127.0.0.1:9090\r\n\r\n",
			want: KindDashboard,
		},
		{
			name: "name resolving to own port serves dashboard",
			raw:  "GET / HTTP/1.1\r\nHost: dash.localhost\r\n\r\n",
			want: KindDashboard,
		},
		{
			name: "unknown name is 404",
			raw:  "GET / HTTP/1.1\r\nHost: nosuchapp\r\n\r\n",
			want: KindNotFound,
		},
		{
			name: "dotted external host is 403",
			raw:  "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: KindForbidden,
		},
		{
			name: "forward proxy absolute uri",
			raw:  "GET http://testapp/api HTTP/1.1\r\nHost: testapp\r\n\r\n",
			want: KindForwardHTTP,
			port: 3000,
		},
		{
			name: "forward proxy with interception redirects to https",
			raw:  "GET http://testapp/api HTTP/1.1\r\nHost: testapp\r\n\r\n",
			mitm: true,
			want: KindRedirectTLS,
		},
		{
			name: "forward proxy https target is proxied, not redirected",
			raw:  "GET https://testapp/api HTTP/1.1\r\nHost: testapp\r\n\r\n",
			mitm: true,
			want: KindForwardHTTP,
			port: 3000,
		},
		{
			name: "forward proxy websocket upgrade pipes even with interception",
			raw:  "GET http://testapp/ws HTTP/1.1\r\nHost: testapp\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n",
			mitm: true,
			want: KindForwardWS,
			port: 3000,
		},
		{
			name: "forward proxy unknown name closes silently",
			raw:  "GET http://nosuchapp/ HTTP/1.1\r\nHost: nosuchapp\r\n\r\n",
			want: KindClose,
		},
		{
			name: "connect to non-tls port tunnels",
			raw:  "CONNECT testapp:8443 HTTP/1.1\r\nHost: testapp:8443\r\n\r\n",
			want: KindConnect,
			port: 3000,
		},
		{
			name: "connect to 443 without interception tunnels",
			raw:  "CONNECT testapp:443 HTTP/1.1\r\nHost: testapp:443\r\n\r\n",
			want: KindConnect,
			port: 3000,
		},
		{
			name: "connect to 443 with interception",
			raw:  "CONNECT testapp.localhost:443 HTTP/1.1\r\nHost: testapp.localhost:443\r\n\r\n",
			mitm: true,
			want: KindConnectMITM,
			port: 3000,
		},
		{
			name: "connect to unknown name closes silently",
			raw:  "CONNECT nosuchapp:443 HTTP/1.1\r\nHost: nosuchapp:443\r\n\r\n",
			want: KindClose,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var registry *mitm.Registry
			if tt.mitm {
				registry = newTestRegistry(t, func(string) http.Handler { return http.NotFoundHandler() })
			}
			s := newTestServer(t, 9090, mapping, registry)

			route := s.Classify(context.Background(), mustParse(t, tt.raw))
			if route.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", route.Kind, tt.want)
			}
			if tt.port != 0 && route.Port != tt.port {
				t.Errorf("port = %d, want %d", route.Port, tt.port)
			}
		})
	}
}

func TestClassifyRedirectLocation(t *testing.T) {
	registry := newTestRegistry(t, func(string) http.Handler { return http.NotFoundHandler() })
	s := newTestServer(t, 9090, map[string]int{"testapp": 3000}, registry)

	req := mustParse(t, "GET http://testapp/api?q=1 HTTP/1.1\r\nHost: testapp\r\n\r\n")
	route := s.Classify(context.Background(), req)
	if route.Kind != KindRedirectTLS {
		t.Fatalf("kind = %v, want %v", route.Kind, KindRedirectTLS)
	}
	if want := "https://testapp/api?q=1"; route.Location != want {
		t.Errorf("location = %q, want %q", route.Location, want)
	}
}

func TestHostAllowed(t *testing.T) {
	for _, tt := range []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"testapp", true},
		{"testapp.localhost", true},
		{"deep.testapp.localhost", true},
		{"example.com", false},
		{"evil.example.com", false},
	} {
		if got := hostAllowed(tt.host); got != tt.want {
			t.Errorf("hostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName("testapp.localhost"); got != "testapp" {
		t.Errorf("serviceName = %q", got)
	}
	if got := serviceName("testapp"); got != "testapp" {
		t.Errorf("serviceName = %q", got)
	}
}
