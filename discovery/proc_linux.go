// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procScanner reads /proc directly: /proc/net/tcp{,6} for listening sockets,
// /proc/<pid>/fd for socket ownership and /proc/<pid>/environ for NAME. No
// subprocesses, but it only sees processes the proxy's user can inspect.
type procScanner struct {
	root string
}

func newProcScanner() (*procScanner, error) {
	if _, err := os.Stat("/proc/net/tcp"); err != nil {
		return nil, fmt.Errorf("procfs unavailable: %w", err)
	}
	return &procScanner{root: "/proc"}, nil
}

const tcpStateListen = 0x0A

func (s *procScanner) Scan(ctx context.Context) ([]ServiceEntry, error) {
	inodes := make(map[uint64]int) // socket inode -> listening port
	for _, name := range []string{"net/tcp", "net/tcp6"} {
		b, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			// tcp6 may be missing on v4-only kernels.
			slog.Debug("failed to read proc net table", "table", name, "err", err)
			continue
		}
		parseProcNet(string(b), inodes)
	}
	if len(inodes) == 0 {
		return nil, fmt.Errorf("no listening sockets found in %s/net", s.root)
	}

	listeners, procs := s.resolveOwners(ctx, inodes)
	return collapse(listeners, procs), nil
}

// parseProcNet extracts (inode, port) pairs for sockets in LISTEN state.
// Lines look like:
//
//	0: 0100007F:1F90 00000000:0000 0A ... <uid> <timeout> <inode> ...
func parseProcNet(data string, inodes map[uint64]int) {
	lines := strings.Split(data, "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		state, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil || state != tcpStateListen {
			continue
		}
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseUint(fields[1][idx+1:], 16, 16)
		if err != nil || port == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil || inode == 0 {
			continue
		}
		inodes[inode] = int(port)
	}
}

// resolveOwners walks every pid's fd table looking for the listening socket
// inodes, then reads NAME out of the owning process's environment.
func (s *procScanner) resolveOwners(ctx context.Context, inodes map[uint64]int) ([]listener, map[int]process) {
	var listeners []listener
	procs := make(map[int]process)

	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, nil
	}

	for _, d := range dirents {
		if ctx.Err() != nil {
			break
		}
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}

		fdDir := filepath.Join(s.root, d.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // other user's process
		}

		ports := make(map[int]bool)
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			if port, ok := inodes[inode]; ok {
				ports[port] = true
			}
		}
		if len(ports) == 0 {
			continue
		}

		name, command := s.readProcEnv(pid)
		procs[pid] = process{name: name, command: command}
		for port := range ports {
			listeners = append(listeners, listener{pid: pid, port: port})
		}
	}
	return listeners, procs
}

func socketInode(link string) (uint64, bool) {
	rest, ok := strings.CutPrefix(link, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	inode, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

func (s *procScanner) readProcEnv(pid int) (name string, command string) {
	if b, err := os.ReadFile(filepath.Join(s.root, strconv.Itoa(pid), "environ")); err == nil {
		for _, kv := range strings.Split(string(b), "\x00") {
			if val, ok := strings.CutPrefix(kv, "NAME="); ok {
				name = val
				break
			}
		}
	}
	if b, err := os.ReadFile(filepath.Join(s.root, strconv.Itoa(pid), "cmdline")); err == nil {
		command = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	return name, command
}
