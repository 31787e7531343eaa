// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"localhome.dev/stats"
)

// rawPipe forwards bytes between a client connection and a backend
// connection with no interpretation beyond an optional one-shot Host/Origin
// rewrite on the first client chunk. When one side hits EOF the other side's
// write end is shut so streams end with FIN rather than RST.
type rawPipe struct {
	id      string
	client  net.Conn
	backend net.Conn

	// rewritePort, when nonzero, rewrites Host and Origin in the first
	// client-to-backend chunk and is cleared immediately after.
	rewritePort int
}

func (p *rawPipe) run(initial []byte) error {
	stats.TunnelsActive.Inc()
	defer stats.TunnelsActive.Dec()

	if len(initial) > 0 {
		if _, err := p.backend.Write(initial); err != nil {
			return fmt.Errorf("write initial chunk: %w", err)
		}
	}

	errs := make(chan error, 2)

	go func() {
		defer closeWrite(p.backend)
		defer closeRead(p.client)

		if p.rewritePort != 0 {
			if err := p.copyFirstRewritten(); err != nil {
				errs <- err
				return
			}
		}
		if err := p.copyRaw("client->backend", p.backend, p.client); err != nil {
			errs <- fmt.Errorf("copy client->backend: %w", err)
			return
		}
		errs <- nil
	}()

	go func() {
		defer closeWrite(p.client)
		defer closeRead(p.backend)
		if err := p.copyRaw("backend->client", p.client, p.backend); err != nil {
			errs <- fmt.Errorf("copy backend->client: %w", err)
			return
		}
		errs <- nil
	}()

	return errors.Join(<-errs, <-errs)
}

// copyFirstRewritten reads exactly one chunk from the client, applies the
// Host/Origin rewrite and clears the rewrite slot.
func (p *rawPipe) copyFirstRewritten() error {
	b := make([]byte, 64<<10)
	n, err := p.client.Read(b)
	if n > 0 {
		chunk := rewriteHostOrigin(b[:n], p.rewritePort)
		if _, werr := p.backend.Write(chunk); werr != nil {
			return fmt.Errorf("write rewritten chunk: %w", werr)
		}
	}
	p.rewritePort = 0

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
	case errors.Is(err, net.ErrClosed):
	default:
		return fmt.Errorf("read first chunk: %w", err)
	}
	return nil
}

func (p *rawPipe) copyRaw(dir string, w io.Writer, r io.Reader) error {
	n, err := io.Copy(w, r)
	switch {
	case err == nil:
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, unix.ECONNRESET):
	case errors.Is(err, unix.EPIPE):
	default:
		slog.Debug("pipe copy failed", "conn", p.id, "dir", dir, "bytes", n, "err", err)
		return err
	}
	slog.Debug("pipe copy done", "conn", p.id, "dir", dir, "bytes", n)
	return nil
}

// closeWrite half-closes the write side if the connection supports it
// (a *net.TCPConn does).
func closeWrite(c net.Conn) {
	if c, ok := c.(interface{ CloseWrite() error }); ok {
		c.CloseWrite()
	}
}

// closeRead half-closes the read side if the connection supports it.
func closeRead(c net.Conn) {
	if c, ok := c.(interface{ CloseRead() error }); ok {
		c.CloseRead()
	}
}
