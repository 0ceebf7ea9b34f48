// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package metrics

import (
	"github.com/fmstephe/slabstore"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a slabstore.Allocator's Stats snapshot into a
// prometheus.Collector, so a caller can register it with any registry and
// scrape slab-level occupancy without polling the allocator themselves.
type Collector struct {
	alloc *slabstore.Allocator

	usableSlabs     *prometheus.Desc
	freeSlabs       *prometheus.Desc
	advisedSlabs    *prometheus.Desc
	bytesUnreserved *prometheus.Desc
	bytesAdvised    *prometheus.Desc
}

// NewCollector wraps alloc. namespace is prefixed to every metric name,
// e.g. "slabstore" produces "slabstore_usable_slabs".
func NewCollector(alloc *slabstore.Allocator, namespace string) *Collector {
	return &Collector{
		alloc: alloc,
		usableSlabs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "usable_slabs"),
			"Total number of slabs in the backing region.",
			nil, nil,
		),
		freeSlabs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "free_slabs"),
			"Number of slabs currently unassigned to any pool.",
			nil, nil,
		),
		advisedSlabs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "advised_slabs"),
			"Number of slabs whose physical memory has been advised back to the OS.",
			nil, nil,
		),
		bytesUnreserved: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_unreserved"),
			"Bytes of the global budget not yet committed to any pool.",
			nil, nil,
		),
		bytesAdvised: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_advised"),
			"Bytes of slab memory currently advised back to the OS.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usableSlabs
	ch <- c.freeSlabs
	ch <- c.advisedSlabs
	ch <- c.bytesUnreserved
	ch <- c.bytesAdvised
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.alloc.Stats()

	ch <- prometheus.MustNewConstMetric(c.usableSlabs, prometheus.GaugeValue, float64(stats.UsableSlabs))
	ch <- prometheus.MustNewConstMetric(c.freeSlabs, prometheus.GaugeValue, float64(stats.FreeSlabs))
	ch <- prometheus.MustNewConstMetric(c.advisedSlabs, prometheus.GaugeValue, float64(stats.AdvisedSlabs))
	ch <- prometheus.MustNewConstMetric(c.bytesUnreserved, prometheus.GaugeValue, float64(c.alloc.BytesUnreserved()))
	ch <- prometheus.MustNewConstMetric(c.bytesAdvised, prometheus.GaugeValue, float64(c.alloc.BytesAdvised()))
}
