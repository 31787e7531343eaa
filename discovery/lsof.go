// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// execScanner shells out to lsof for the socket list and to ps for each
// process's environment. It is the portable fallback where /proc is not
// available (notably macOS).
type execScanner struct{}

func newExecScanner() *execScanner {
	return &execScanner{}
}

func (s *execScanner) Scan(ctx context.Context) ([]ServiceEntry, error) {
	listeners, err := s.listListeners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}

	procs := make(map[int]process)
	seen := make(map[int]bool)
	for _, l := range listeners {
		if seen[l.pid] {
			continue
		}
		seen[l.pid] = true

		line, err := s.readEnvLine(ctx, l.pid)
		if err != nil {
			// The process may have exited between lsof and ps, or belong to
			// another user. Either way it's not routable.
			slog.Debug("failed to read process environment", "pid", l.pid, "err", err)
			continue
		}
		command, env := ParseEnvLine(line)
		procs[l.pid] = process{name: env["NAME"], command: command}
	}

	return collapse(listeners, procs), nil
}

// listListeners runs lsof in field mode (-F) and parses the p<pid> and
// n<addr> records into (pid, port) pairs, deduplicating ports per pid.
func (s *execScanner) listListeners(ctx context.Context) ([]listener, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN", "-Fpn").Output()
	if err != nil {
		return nil, fmt.Errorf("lsof: %w", err)
	}
	return parseLsofFields(string(out)), nil
}

func parseLsofFields(out string) []listener {
	var listeners []listener
	seen := make(map[listener]bool)

	pid := 0
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		switch line[0] {
		case 'p':
			n, err := strconv.Atoi(line[1:])
			if err != nil {
				pid = 0
				continue
			}
			pid = n
		case 'n':
			if pid == 0 {
				continue
			}
			// Addresses look like "*:8080", "127.0.0.1:8080" or "[::1]:8080".
			idx := strings.LastIndexByte(line, ':')
			if idx < 0 {
				continue
			}
			port, err := strconv.Atoi(line[idx+1:])
			if err != nil || port <= 0 || port > 65535 {
				continue
			}
			l := listener{pid: pid, port: port}
			if !seen[l] {
				seen[l] = true
				listeners = append(listeners, l)
			}
		}
	}
	return listeners
}

// readEnvLine returns the "command VAR=value ..." line that ps eww prints
// for a pid.
func (s *execScanner) readEnvLine(ctx context.Context, pid int) (string, error) {
	out, err := exec.CommandContext(ctx, "ps", "eww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", fmt.Errorf("ps: %w", err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", fmt.Errorf("ps: no output for pid %d", pid)
	}
	return line, nil
}
