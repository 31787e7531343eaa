// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package mitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"localhome.dev/stats"
)

// VirtualServer is one hostname's TLS terminator: a loopback listener with
// that hostname's leaf certificate, serving HTTP behind the handshake.
type VirtualServer struct {
	Hostname string
	Port     int
}

// Registry creates virtual servers lazily, at most one per hostname.
// Entries live until the process exits; the population is bounded by the
// number of distinct hostnames the user browses to.
type Registry struct {
	issuer  *Issuer
	handler func(hostname string) http.Handler
	group   singleflight.Group

	mu      sync.Mutex
	servers map[string]*VirtualServer
}

// NewRegistry returns a registry minting certificates from issuer and
// serving requests with handler(hostname). A nil issuer means MITM is
// unavailable and Get always fails.
func NewRegistry(issuer *Issuer, handler func(hostname string) http.Handler) *Registry {
	return &Registry{
		issuer:  issuer,
		handler: handler,
		servers: make(map[string]*VirtualServer),
	}
}

// SetHandler installs the handler factory after construction. The registry
// and the code serving behind it reference each other, so the handler arrives
// in a second step before any connection is accepted.
func (r *Registry) SetHandler(handler func(hostname string) http.Handler) {
	r.handler = handler
}

// Available reports whether CONNECT :443 interception can happen at all.
func (r *Registry) Available() bool {
	return r != nil && r.issuer != nil
}

// Get returns the virtual server for hostname, creating it on first use.
// Concurrent callers during creation share a single result.
func (r *Registry) Get(ctx context.Context, hostname string) (*VirtualServer, error) {
	if !r.Available() {
		return nil, fmt.Errorf("mitm unavailable")
	}

	r.mu.Lock()
	if vs, ok := r.servers[hostname]; ok {
		r.mu.Unlock()
		return vs, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(hostname, func() (any, error) {
		r.mu.Lock()
		if vs, ok := r.servers[hostname]; ok {
			r.mu.Unlock()
			return vs, nil
		}
		r.mu.Unlock()

		vs, err := r.create(hostname)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.servers[hostname] = vs
		r.mu.Unlock()
		return vs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*VirtualServer), nil
}

func (r *Registry) create(hostname string) (*VirtualServer, error) {
	if r.handler == nil {
		return nil, fmt.Errorf("no handler installed")
	}
	cert, err := r.issuer.GetCert(hostname)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	tln := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	srv := &http.Server{Handler: r.handler(hostname)}
	go func() {
		if err := srv.Serve(tln); err != nil && err != http.ErrServerClosed {
			slog.Error("tls virtual server exited", "hostname", hostname, "err", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	stats.VirtualServersActive.Inc()
	slog.Debug("created tls virtual server", "hostname", hostname, "port", port)
	return &VirtualServer{Hostname: hostname, Port: port}, nil
}
