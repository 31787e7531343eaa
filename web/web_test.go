// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package web

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"localhome.dev/discovery"
)

func testServer(entries []discovery.ServiceEntry) *Server {
	return NewServer(9090, func(ctx context.Context) []discovery.ServiceEntry {
		return entries
	})
}

func TestPAC(t *testing.T) {
	s := testServer(nil)

	req := httptest.NewRequest("GET", "/proxy.pac", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if got := rec.Header().Get("content-type"); got != PACContentType {
		t.Errorf("content-type = %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "FindProxyForURL") {
		t.Errorf("body missing FindProxyForURL: %q", body)
	}
	if !strings.Contains(body, ".localhost:9090") {
		t.Errorf("body missing proxy port: %q", body)
	}
}

func TestDashboardListsServices(t *testing.T) {
	s := testServer([]discovery.ServiceEntry{
		{Name: "testapp", Port: 3000, PID: 42},
		{Name: "web", Port: 4000, PID: 43},
	})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "<title>localhome</title>") {
		t.Errorf("missing title: %q", body)
	}
	if !strings.Contains(body, `href="http://testapp/"`) {
		t.Errorf("missing bare link for testapp: %q", body)
	}
	if !strings.Contains(body, `href="http://web/"`) {
		t.Errorf("missing bare link for web: %q", body)
	}
}

func TestDashboardEmpty(t *testing.T) {
	s := testServer(nil)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if body := rec.Body.String(); !strings.Contains(body, "NAME=myapp") {
		t.Errorf("missing placeholder invocation: %q", body)
	}
}

func TestDashboardGzip(t *testing.T) {
	s := testServer(nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("accept-encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("content-encoding"); got != "gzip" {
		t.Errorf("content-encoding = %q, want gzip", got)
	}
}

func TestMetrics(t *testing.T) {
	s := testServer(nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "go_goroutines") {
		t.Errorf("metrics output missing standard collectors")
	}
}

func TestHandleRaw(t *testing.T) {
	s := testServer([]discovery.ServiceEntry{{Name: "testapp", Port: 3000}})

	client, server := net.Pipe()
	req := httptest.NewRequest("GET", "http://localhost:9090/", nil)
	go s.HandleRaw(req, server)

	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d", resp.StatusCode)
	}
	if !resp.Close {
		t.Errorf("response is not Connection: close")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "testapp") {
		t.Errorf("body missing service name: %q", body)
	}
}
