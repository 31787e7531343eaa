// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort     = 9090
	DefaultBindHost = "127.0.0.1"
	DefaultCacheTTL = 5 * time.Second
)

// Config is the proxy's startup configuration. Precedence, lowest to
// highest: built-in defaults, the YAML config file, environment variables
// (PORT, BIND_HOST, DEBUG), command line flags.
type Config struct {
	Port     int      `yaml:"port"`
	BindHost string   `yaml:"bind_host"`
	CacheTTL Duration `yaml:"cache_ttl"`
	Scanner  string   `yaml:"scanner"`
	CACert   string   `yaml:"ca_cert"`
	CAKey    string   `yaml:"ca_key"`
}

func Default() *Config {
	return &Config{
		Port:     DefaultPort,
		BindHost: DefaultBindHost,
		CacheTTL: Duration(DefaultCacheTTL),
		Scanner:  "auto",
	}
}

// Load reads the optional YAML config file at path and applies environment
// variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid PORT %q", val)
		}
		c.Port = port
	}
	if val := os.Getenv("BIND_HOST"); val != "" {
		c.BindHost = val
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port))
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
