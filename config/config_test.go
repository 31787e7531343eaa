// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BIND_HOST", "")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != DefaultPort {
		t.Errorf("got port %d, want %d", c.Port, DefaultPort)
	}
	if c.BindHost != DefaultBindHost {
		t.Errorf("got bind host %q, want %q", c.BindHost, DefaultBindHost)
	}
	if c.CacheTTL.Std() != DefaultCacheTTL {
		t.Errorf("got ttl %v, want %v", c.CacheTTL.Std(), DefaultCacheTTL)
	}
	if got := c.ListenAddr(); got != "127.0.0.1:9090" {
		t.Errorf("got listen addr %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BIND_HOST", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "port: 8080\nbind_host: 0.0.0.0\ncache_ttl: 30s\nscanner: lsof\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 8080 {
		t.Errorf("got port %d, want 8080", c.Port)
	}
	if c.BindHost != "0.0.0.0" {
		t.Errorf("got bind host %q, want 0.0.0.0", c.BindHost)
	}
	if c.CacheTTL.Std() != 30*time.Second {
		t.Errorf("got ttl %v, want 30s", c.CacheTTL.Std())
	}
	if c.Scanner != "lsof" {
		t.Errorf("got scanner %q, want lsof", c.Scanner)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("BIND_HOST", "::1")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 7070 {
		t.Errorf("got port %d, want 7070", c.Port)
	}
	if got := c.ListenAddr(); got != "[::1]:7070" {
		t.Errorf("got listen addr %q", got)
	}
}

func TestInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}
