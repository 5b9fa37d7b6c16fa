// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstats

import (
	"github.com/dbgrove/stmtstats/pkg/util/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collector's operational counters.
type Metrics struct {
	EvictedEntries        *metric.Counter
	EvictionSweeps        *metric.Counter
	DroppedSamples        *metric.Counter
	FingerprintMismatches *metric.Counter
	TextGCRuns            *metric.Counter
	TextGCFailures        *metric.Counter
	TrackedStatements     *metric.Gauge
}

// MakeMetrics builds the collector metrics.
func MakeMetrics() Metrics {
	return Metrics{
		EvictedEntries: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_evicted_entries_total",
			Help: "Statement entries removed by eviction sweeps",
		}),
		EvictionSweeps: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_eviction_sweeps_total",
			Help: "Eviction sweeps run because the table was at capacity",
		}),
		DroppedSamples: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_dropped_samples_total",
			Help: "Cost samples dropped (untracked fingerprint or text store failure)",
		}),
		FingerprintMismatches: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_fingerprint_mismatches_total",
			Help: "Samples dropped because embedded metadata disagreed with the sample fingerprint",
		}),
		TextGCRuns: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_text_gc_total",
			Help: "Successful query text file compactions",
		}),
		TextGCFailures: metric.NewCounter(metric.Metadata{
			Name: "stmtstats_text_gc_failures_total",
			Help: "Failed compactions that invalidated all query texts",
		}),
		TrackedStatements: metric.NewGauge(metric.Metadata{
			Name: "stmtstats_tracked_statements",
			Help: "Statement fingerprints currently tracked",
		}),
	}
}

// Register registers all metrics with r.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.EvictedEntries,
		m.EvictionSweeps,
		m.DroppedSamples,
		m.FingerprintMismatches,
		m.TextGCRuns,
		m.TextGCFailures,
		m.TrackedStatements,
	)
}
