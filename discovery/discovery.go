// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package discovery maps service names to local listening ports. A process
// opts in by exporting NAME=<label>; the scanner finds its pid, collects the
// ports it listens on and picks one deterministically.
package discovery

import (
	"context"
	"fmt"
	"runtime"
	"sort"
)

// ServiceEntry is a single named service: one representative process and the
// port chosen for it.
type ServiceEntry struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Mapping is a point-in-time snapshot of name to port. Snapshots are
// immutable once built; the cache swaps them atomically.
type Mapping map[string]int

// Node inspectors and Chrome remote debugging listen here; they are never
// what the user wants routed.
var debugPorts = map[int]bool{9229: true, 9222: true, 5858: true}

// ephemeralFloor is the start of the OS ephemeral port range.
const ephemeralFloor = 49152

// ChoosePort picks the port to route to out of all ports a name's processes
// listen on: drop debug and ephemeral ports, take the numerically smallest
// survivor. If everything was filtered out, fall back to the smallest port
// overall.
func ChoosePort(ports []int) (int, bool) {
	if len(ports) == 0 {
		return 0, false
	}

	best, fallback := 0, 0
	for _, port := range ports {
		if fallback == 0 || port < fallback {
			fallback = port
		}
		if debugPorts[port] || port >= ephemeralFloor {
			continue
		}
		if best == 0 || port < best {
			best = port
		}
	}
	if best == 0 {
		best = fallback
	}
	return best, true
}

// listener is one (pid, port) pair produced by socket enumeration.
type listener struct {
	pid  int
	port int
}

// process is the result of reading one pid's environment.
type process struct {
	name    string
	command string
}

// collapse groups listeners by the NAME of their owning process and emits one
// ServiceEntry per name. Ports for a shared name are unioned across all of
// its pids before port selection; the representative pid is whichever owned
// the chosen port (any owner, if several do).
func collapse(listeners []listener, procs map[int]process) []ServiceEntry {
	type group struct {
		ports map[int]bool
		owner map[int]int // port -> pid
	}

	groups := make(map[string]*group)
	for _, l := range listeners {
		proc, ok := procs[l.pid]
		if !ok || proc.name == "" {
			continue
		}
		g := groups[proc.name]
		if g == nil {
			g = &group{ports: make(map[int]bool), owner: make(map[int]int)}
			groups[proc.name] = g
		}
		g.ports[l.port] = true
		g.owner[l.port] = l.pid
	}

	var entries []ServiceEntry
	for name, g := range groups {
		ports := make([]int, 0, len(g.ports))
		for port := range g.ports {
			ports = append(ports, port)
		}
		port, ok := ChoosePort(ports)
		if !ok {
			continue
		}
		pid := g.owner[port]
		entries = append(entries, ServiceEntry{
			Name:    name,
			Port:    port,
			PID:     pid,
			Command: procs[pid].command,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// BuildMapping converts scan results into a routing snapshot.
func BuildMapping(entries []ServiceEntry) Mapping {
	m := make(Mapping, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Port
	}
	return m
}

// Scanner enumerates the local host's listening sockets and resolves each
// owning process's NAME environment variable.
type Scanner interface {
	Scan(ctx context.Context) ([]ServiceEntry, error)
}

// NewScanner selects a scanner implementation. "proc" reads the /proc
// filesystem directly (Linux only); "lsof" shells out to lsof and ps and
// works anywhere both exist; "auto" picks /proc on Linux and lsof elsewhere.
func NewScanner(kind string) (Scanner, error) {
	switch kind {
	case "", "auto":
		if runtime.GOOS == "linux" {
			return newProcScanner()
		}
		return newExecScanner(), nil
	case "lsof":
		return newExecScanner(), nil
	case "proc":
		return newProcScanner()
	default:
		return nil, fmt.Errorf("unknown scanner %q", kind)
	}
}
