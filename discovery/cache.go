// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"localhome.dev/stats"
)

// Cache serves mapping snapshots, rescanning at most once per TTL window.
// Concurrent callers during a refresh share a single scan; readers always
// see either the previous snapshot or the new one, never a partial build.
type Cache struct {
	scanner Scanner
	ttl     time.Duration
	group   singleflight.Group

	mu       sync.Mutex
	mapping  Mapping
	entries  []ServiceEntry
	lastScan time.Time
}

func NewCache(scanner Scanner, ttl time.Duration) *Cache {
	return &Cache{
		scanner: scanner,
		ttl:     ttl,
		mapping: make(Mapping),
	}
}

// Mapping returns the current name-to-port snapshot, refreshing if the TTL
// has expired. On scan failure the previous snapshot is kept and the clock
// is reset so a broken scanner doesn't get hammered.
func (c *Cache) Mapping(ctx context.Context) Mapping {
	c.mu.Lock()
	if time.Since(c.lastScan) <= c.ttl {
		m := c.mapping
		c.mu.Unlock()
		return m
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("scan", func() (any, error) {
		start := time.Now()
		stats.DiscoveryScansTotal.Inc()

		entries, err := c.scanner.Scan(ctx)
		if err != nil {
			stats.DiscoveryScanErrorsTotal.Inc()
			slog.Error("discovery scan failed", "err", err, "took", time.Since(start).Round(time.Millisecond))

			c.mu.Lock()
			defer c.mu.Unlock()
			c.lastScan = time.Now()
			return c.mapping, nil
		}

		mapping := BuildMapping(entries)
		slog.Debug("discovery scan complete", "services", len(mapping), "took", time.Since(start).Round(time.Millisecond))

		c.mu.Lock()
		defer c.mu.Unlock()
		c.mapping = mapping
		c.entries = entries
		c.lastScan = time.Now()
		return mapping, nil
	})
	return v.(Mapping)
}

// Lookup resolves a single name against the current snapshot.
func (c *Cache) Lookup(ctx context.Context, name string) (int, bool) {
	port, ok := c.Mapping(ctx)[name]
	return port, ok
}

// Entries returns the most recent scan results, refreshing first if stale.
func (c *Cache) Entries(ctx context.Context) []ServiceEntry {
	c.Mapping(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}
