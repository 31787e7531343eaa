// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"nhooyr.io/websocket"

	"localhome.dev/mitm"
)

// newInterceptingServer builds a proxy server with TLS interception enabled
// and returns the cert pool that trusts its generated CA.
func newInterceptingServer(t *testing.T, mapping map[string]int) (*Server, *mitm.Registry, *x509.CertPool) {
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

	registry := mitm.NewRegistry(issuer, nil)
	s := newTestServer(t, 9090, mapping, registry)
	registry.SetHandler(s.VirtualHandler)

	pool := x509.NewCertPool()
	pool.AddCert(issuer.CACert())
	return s, registry, pool
}

// openTunnel issues CONNECT <hostname>:443 through HandleConn and completes
// the TLS handshake against the bridged virtual server.
func openTunnel(t *testing.T, s *Server, pool *x509.CertPool, hostname string) (*tls.Conn, error) {
	client := dial(t, s)

	if _, err := fmt.Fprintf(client, "CONNECT %s:443 HTTP/1.1\r\nHost: %s:443\r\n\r\n", hostname, hostname); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(client), &http.Request{Method: "CONNECT"})
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CONNECT status = %d", resp.StatusCode)
	}

	tconn := tls.Client(client, &tls.Config{RootCAs: pool, ServerName: hostname})
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	t.Cleanup(func() { tconn.Close() })
	return tconn, nil
}

func TestInterceptedTunnelKeepAlive(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s", r.URL.Path)
	}))
	defer backend.Close()

	s, _, pool := newInterceptingServer(t, map[string]int{"testapp": backendPort(t, backend)})

	tconn, err := openTunnel(t, s, pool, "testapp.localhost")
	if err != nil {
		t.Fatal(err)
	}

	// One tunnel, three requests: the virtual server must keep the TLS
	// connection alive between exchanges.
	br := bufio.NewReader(tconn)
	for i := 0; i < 3; i++ {
		if _, err := fmt.Fprintf(tconn, "GET /seq/%d HTTP/1.1\r\nHost: testapp.localhost\r\n\r\n", i); err != nil {
			t.Fatalf("request %d: write: %v", i, err)
		}
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("request %d: read response: %v", i, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("request %d: read body: %v", i, err)
		}
		if want := fmt.Sprintf("path=/seq/%d", i); string(body) != want {
			t.Errorf("request %d: body = %q, want %q", i, body, want)
		}
		if resp.Close {
			t.Fatalf("request %d: virtual server refused keep-alive", i)
		}
	}
}

func TestInterceptedTunnelsConcurrent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	}))
	defer backend.Close()

	s, _, pool := newInterceptingServer(t, map[string]int{"testapp": backendPort(t, backend)})

	const tunnels = 5
	var wg sync.WaitGroup
	for i := 0; i < tunnels; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			tconn, err := openTunnel(t, s, pool, "testapp.localhost")
			if err != nil {
				t.Errorf("tunnel %d: %v", i, err)
				return
			}
			if _, err := fmt.Fprintf(tconn, "GET / HTTP/1.1\r\nHost: testapp.localhost\r\n\r\n"); err != nil {
				t.Errorf("tunnel %d: write: %v", i, err)
				return
			}
			resp, err := http.ReadResponse(bufio.NewReader(tconn), nil)
			if err != nil {
				t.Errorf("tunnel %d: read response: %v", i, err)
				return
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				t.Errorf("tunnel %d: read body: %v", i, err)
				return
			}
			if string(body) != "ok" {
				t.Errorf("tunnel %d: body = %q", i, body)
			}
		}(i)
	}
	wg.Wait()
}

func TestInterceptedWebsocketEcho(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		for {
			typ, b, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, b); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	_, registry, pool := newInterceptingServer(t, map[string]int{"testapp": backendPort(t, backend)})

	ctx := context.Background()
	vs, err := registry.Get(ctx, "testapp.localhost")
	if err != nil {
		t.Fatalf("get virtual server: %v", err)
	}

	hc := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, ServerName: "testapp.localhost"},
		},
	}
	c, _, err := websocket.Dial(ctx, fmt.Sprintf("wss://127.0.0.1:%d/echo", vs.Port), &websocket.DialOptions{HTTPClient: hc})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	payload := []byte("ping through the bridge")
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, b, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(b) != string(payload) {
		t.Errorf("echo = (%v, %q), want (%v, %q)", typ, b, websocket.MessageText, payload)
	}
}
