// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats holds the proxy's own prometheus metrics. They describe the
// proxy process, never the proxied traffic.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localhome_connections_total",
		Help: "Accepted connections by classified shape",
	}, []string{"kind"})

	BackendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localhome_backend_errors_total",
		Help: "Failed backend dials and fetches by path",
	}, []string{"path"})

	TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localhome_tunnels_active",
		Help: "Raw pipes currently open (websocket upgrades and CONNECT tunnels)",
	})

	DiscoveryScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localhome_discovery_scans_total",
		Help: "Discovery scans started",
	})

	DiscoveryScanErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localhome_discovery_scan_errors_total",
		Help: "Discovery scans that failed",
	})

	VirtualServersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localhome_tls_virtual_servers",
		Help: "Per-hostname TLS virtual servers created so far",
	})
)
