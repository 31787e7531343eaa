// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package web serves the proxy's own identity: the dashboard listing
// discovered services, the PAC file and the metrics endpoint. The same
// handler runs as a standard http.Handler inside TLS virtual servers and
// over raw accepted connections via HandleRaw.
package web

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"localhome.dev/discovery"
)

const PACContentType = "application/x-ns-proxy-autoconfig"

type Server struct {
	ListenPort int
	Services   func(ctx context.Context) []discovery.ServiceEntry
}

var _ http.Handler = new(Server)

func NewServer(listenPort int, services func(ctx context.Context) []discovery.ServiceEntry) *Server {
	return &Server{ListenPort: listenPort, Services: services}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/proxy.pac":
		s.pac(w, r)
	case "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	default:
		s.html(w, r)
	}
}

// PAC returns the proxy auto-config body. Browsers pointed at it send bare
// single-label hostnames through the proxy and everything else direct.
func (s *Server) PAC() []byte {
	b := new(bytes.Buffer)
	fmt.Fprintf(b, "function FindProxyForURL(url, host) {\n")
	fmt.Fprintf(b, "  if (host.indexOf(\".\") === -1 && host !== \"localhost\") return \"PROXY \" + host + \".localhost:%d; DIRECT\";\n", s.ListenPort)
	fmt.Fprintf(b, "  return \"DIRECT\";\n")
	fmt.Fprintf(b, "}\n")
	return b.Bytes()
}

func (s *Server) pac(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", PACContentType)
	w.Write(s.PAC())
}

// Dashboard renders the service listing page.
func (s *Server) Dashboard(ctx context.Context) []byte {
	services := s.Services(ctx)

	b := new(bytes.Buffer)
	fmt.Fprintf(b, `<!DOCTYPE html>`)
	fmt.Fprintf(b, `<html>`)
	fmt.Fprintf(b, `<head><meta charset="utf-8"><title>localhome</title></head>`)
	fmt.Fprintf(b, `<style>*    { box-sizing: border-box; }</style>`)
	fmt.Fprintf(b, `<style>body { margin: 2rem 1rem; display: flex; justify-content: center; font-family: monospace; font-size: 13px; }</style>`)
	fmt.Fprintf(b, `<style>div  { padding: 1rem; width: 100%%; max-width: 24rem; border: 1px solid #00000020; border-radius: 2px; }</style>`)
	fmt.Fprintf(b, `<style>li   { margin: 0.25rem 0; }</style>`)
	fmt.Fprintf(b, `<body><div><h1>localhome</h1>`)
	if len(services) == 0 {
		fmt.Fprintf(b, `<p>No services found.</p>`)
		fmt.Fprintf(b, `<p>Start one with <code>NAME=myapp npm start</code> and it will appear here.</p>`)
	} else {
		fmt.Fprintf(b, `<ul>`)
		for _, svc := range services {
			name := html.EscapeString(svc.Name)
			fmt.Fprintf(b, `<li><a href="http://%s/">%s</a> <small>:%d</small></li>`, name, name, svc.Port)
		}
		fmt.Fprintf(b, `</ul>`)
	}
	fmt.Fprintf(b, `</div></body>`)
	fmt.Fprintf(b, `</html>`)
	return b.Bytes()
}

func (s *Server) html(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/html; charset=utf-8")

	accept := make(map[string]bool)
	for _, val := range strings.Split(r.Header.Get("accept-encoding"), ",") {
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		accept[val] = true
	}

	var body io.Writer = w
	switch {
	case accept["br"]:
		w.Header().Set("content-encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		body = bw
	case accept["gzip"]:
		w.Header().Set("content-encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		body = gw
	}

	body.Write(s.Dashboard(r.Context()))
}

// HandleRaw serves one request over a connection that never went through
// net/http's server, writing a complete Connection: close response.
func (s *Server) HandleRaw(req *http.Request, conn io.WriteCloser) {
	defer conn.Close()

	crw := newConnResponseWriter(conn)
	defer crw.finish()
	s.ServeHTTP(crw, req)
}
