// Copyright 2024 nftkit authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/gen"
	"github.com/netfilterworks/nftkit/pkg/nft"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

var (
	counterBytesDesc = prometheus.NewDesc(
		"nftkit_counter_bytes_total",
		"Bytes accounted by a named nftables counter.",
		[]string{"family", "table", "name"}, nil)
	counterPacketsDesc = prometheus.NewDesc(
		"nftkit_counter_packets_total",
		"Packets accounted by a named nftables counter.",
		[]string{"family", "table", "name"}, nil)
	quotaBytesDesc = prometheus.NewDesc(
		"nftkit_quota_bytes",
		"Byte limit of a named nftables quota.",
		[]string{"family", "table", "name"}, nil)
	quotaUsedDesc = prometheus.NewDesc(
		"nftkit_quota_used_bytes",
		"Bytes consumed against a named nftables quota.",
		[]string{"family", "table", "name"}, nil)
	generationDesc = prometheus.NewDesc(
		"nftkit_ruleset_generation",
		"Ruleset generation counter reported by the kernel.",
		nil, nil)
)

var scrapeFamilies = []ruleset.Family{
	ruleset.FamilyIPv4,
	ruleset.FamilyIPv6,
	ruleset.FamilyINet,
	ruleset.FamilyARP,
	ruleset.FamilyBridge,
	ruleset.FamilyNetdev,
}

// collector reads counter and quota values straight off the kernel on
// every scrape, or serves a cached read when a refresh interval is set.
type collector struct {
	conn   nft.Conn
	logger *zap.Logger

	// genMetric is swappable so tests run without a kernel.
	genMetric func() (prometheus.Metric, error)

	scrapeErrors prometheus.Counter

	mu     sync.Mutex
	cached []prometheus.Metric
	cache  bool
}

func newCollector(conn nft.Conn, logger *zap.Logger) *collector {
	return &collector{
		conn:      conn,
		logger:    logger,
		genMetric: generationMetric,
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nftkit_scrape_errors_total",
			Help: "Scrapes that failed to read the kernel state.",
		}),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- counterBytesDesc
	ch <- counterPacketsDesc
	ch <- quotaBytesDesc
	ch <- quotaUsedDesc
	ch <- generationDesc
	c.scrapeErrors.Describe(ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	cache := c.cache
	cached := c.cached
	c.mu.Unlock()

	if cache {
		for _, m := range cached {
			ch <- m
		}
	} else {
		metrics, err := c.scrape(context.Background())
		if err != nil {
			c.logger.Warn("scrape failed", zap.Error(err))
			c.scrapeErrors.Inc()
		}
		for _, m := range metrics {
			ch <- m
		}
	}
	c.scrapeErrors.Collect(ch)
}

// refreshLoop keeps a cached snapshot warm so heavy rulesets are not
// re-read on every scrape.
func (c *collector) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		metrics, err := c.scrape(ctx)
		if err != nil {
			c.logger.Warn("refresh failed", zap.Error(err))
			c.scrapeErrors.Inc()
		}
		c.mu.Lock()
		c.cache = true
		if metrics != nil || err == nil {
			c.cached = metrics
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scrape lists every family concurrently. The group deliberately has no
// shared cancellation: a family that fails does not take the others down,
// so partial results still get served.
func (c *collector) scrape(ctx context.Context) ([]prometheus.Metric, error) {
	var (
		mu      sync.Mutex
		metrics []prometheus.Metric
		g       errgroup.Group
	)

	for _, family := range scrapeFamilies {
		family := family
		g.Go(func() error {
			snap, err := nft.List(ctx, c.conn, family)
			if err != nil {
				return err
			}
			fm := snapshotMetrics(snap)
			mu.Lock()
			metrics = append(metrics, fm...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if gm, genErr := c.genMetric(); genErr == nil {
		metrics = append(metrics, gm)
	} else if !errors.Is(genErr, gen.ErrUnsupported) {
		err = errors.Join(err, genErr)
	}
	return metrics, err
}

func snapshotMetrics(snap *nft.Snapshot) []prometheus.Metric {
	var out []prometheus.Metric
	for _, t := range snap.Tables {
		labels := []string{string(t.Family), t.Name}
		for _, ctr := range t.Counters {
			out = append(out,
				prometheus.MustNewConstMetric(counterBytesDesc, prometheus.CounterValue,
					float64(ctr.Bytes), append(labels, ctr.Name)...),
				prometheus.MustNewConstMetric(counterPacketsDesc, prometheus.CounterValue,
					float64(ctr.Packets), append(labels, ctr.Name)...))
		}
		for _, q := range t.Quotas {
			out = append(out,
				prometheus.MustNewConstMetric(quotaBytesDesc, prometheus.GaugeValue,
					float64(q.Bytes), append(labels, q.Name)...),
				prometheus.MustNewConstMetric(quotaUsedDesc, prometheus.GaugeValue,
					float64(q.Consumed), append(labels, q.Name)...))
		}
	}
	return out
}

func generationMetric() (prometheus.Metric, error) {
	if err := compat.Probe(compat.FeatureGenQuery); err != nil {
		return nil, gen.ErrUnsupported
	}
	g, err := gen.Query()
	if err != nil {
		return nil, err
	}
	return prometheus.MustNewConstMetric(generationDesc, prometheus.GaugeValue, float64(g.ID)), nil
}
