// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"localhome.dev/config"
	"localhome.dev/discovery"
	"localhome.dev/logging"
	"localhome.dev/mitm"
	"localhome.dev/proxy"
	"localhome.dev/web"
)

type Command struct {
	flags struct {
		config  string
		port    int
		bind    string
		ttl     time.Duration
		scanner string
		caCert  string
		caKey   string
		mkcert  bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "serve"
	c.ShortUsage = "localhome serve [flags]"
	c.ShortHelp = "start the local proxy"

	c.FlagSet = flag.NewFlagSet("", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "path to YAML config file")
	c.FlagSet.IntVar(&c.flags.port, "port", 0, "listen port (overrides config and PORT)")
	c.FlagSet.StringVar(&c.flags.bind, "bind", "", "bind address (overrides config and BIND_HOST)")
	c.FlagSet.DurationVar(&c.flags.ttl, "ttl", 0, "discovery cache TTL (overrides config)")
	c.FlagSet.StringVar(&c.flags.scanner, "scanner", "", "port scanner: auto, lsof or proc")
	c.FlagSet.StringVar(&c.flags.caCert, "ca-cert", "", "path to CA certificate for TLS interception")
	c.FlagSet.StringVar(&c.flags.caKey, "ca-key", "", "path to CA private key for TLS interception")
	c.FlagSet.BoolVar(&c.flags.mkcert, "mkcert", false, "generate a CA keypair at -ca-cert/-ca-key and exit")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LOCALHOME")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	cfg, err := config.Load(c.flags.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.flags.port != 0 {
		cfg.Port = c.flags.port
	}
	if c.flags.bind != "" {
		cfg.BindHost = c.flags.bind
	}
	if c.flags.ttl != 0 {
		cfg.CacheTTL = config.Duration(c.flags.ttl)
	}
	if c.flags.scanner != "" {
		cfg.Scanner = c.flags.scanner
	}
	if c.flags.caCert != "" {
		cfg.CACert = c.flags.caCert
	}
	if c.flags.caKey != "" {
		cfg.CAKey = c.flags.caKey
	}

	if c.flags.mkcert {
		if cfg.CACert == "" || cfg.CAKey == "" {
			return fmt.Errorf("-mkcert requires -ca-cert and -ca-key paths")
		}
		if err := mitm.GenerateCA(cfg.CACert, cfg.CAKey); err != nil {
			return fmt.Errorf("generate CA: %w", err)
		}
		fmt.Printf("wrote %s and %s\n", cfg.CACert, cfg.CAKey)
		fmt.Printf("trust the certificate in your browser or OS keychain to enable TLS interception\n")
		return nil
	}

	scanner, err := discovery.NewScanner(cfg.Scanner)
	if err != nil {
		return fmt.Errorf("init scanner: %w", err)
	}
	cache := discovery.NewCache(scanner, cfg.CacheTTL.Std())

	srv := &Server{config: cfg, cache: cache}
	return srv.run(ctx)
}

// Server wires the listener, discovery cache, dashboard and optional TLS
// interception together.
type Server struct {
	config *config.Config
	cache  *discovery.Cache
}

func (s *Server) run(ctx context.Context) error {
	registry := s.initMITM()

	webServer := web.NewServer(s.config.Port, s.cache.Entries)
	p := proxy.NewServer(s.config.Port, s.cache, registry, webServer)
	if registry != nil {
		registry.SetHandler(p.VirtualHandler)
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr(), err)
	}
	defer ln.Close()

	slog.Info("listening", "addr", s.config.ListenAddr(), "tls_interception", registry.Available())
	slog.Info(fmt.Sprintf("dashboard: http://localhost:%d/", s.config.Port))
	slog.Info(fmt.Sprintf("proxy autoconfig: http://localhost:%d/proxy.pac", s.config.Port))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go p.HandleConn(ctx, conn)
	}
}

// initMITM loads the CA keypair if one is configured. Interception is
// strictly optional: a missing or unreadable keypair logs a warning and the
// proxy falls back to opaque CONNECT tunnels.
func (s *Server) initMITM() *mitm.Registry {
	if s.config.CACert == "" || s.config.CAKey == "" {
		slog.Info("no CA configured, TLS interception disabled")
		return mitm.NewRegistry(nil, nil)
	}

	issuer, err := mitm.LoadIssuer(s.config.CACert, s.config.CAKey)
	if err != nil {
		slog.Warn("failed to load CA, TLS interception disabled", "cert", s.config.CACert, "err", err)
		return mitm.NewRegistry(nil, nil)
	}

	slog.Info("TLS interception enabled", "cert", s.config.CACert)
	return mitm.NewRegistry(issuer, nil)
}
