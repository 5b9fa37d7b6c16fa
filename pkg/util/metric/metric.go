// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package metric provides the collector's metric primitives, backed by the
// prometheus client so embedding servers can scrape them from their usual
// registry.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Metadata holds the name and help text of a metric.
type Metadata struct {
	Name string
	Help string
}

// A Counter holds a single monotonically increasing value.
type Counter struct {
	Metadata
	prometheus.Counter
}

// NewCounter creates a counter.
func NewCounter(metadata Metadata) *Counter {
	return &Counter{
		Metadata: metadata,
		Counter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metadata.Name,
			Help: metadata.Help,
		}),
	}
}

// Inc increments the counter by i.
func (c *Counter) Inc(i int64) {
	c.Counter.Add(float64(i))
}

// A Gauge holds a single settable value.
type Gauge struct {
	Metadata
	prometheus.Gauge
}

// NewGauge creates a gauge.
func NewGauge(metadata Metadata) *Gauge {
	return &Gauge{
		Metadata: metadata,
		Gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metadata.Name,
			Help: metadata.Help,
		}),
	}
}

// Update sets the gauge to v.
func (g *Gauge) Update(v int64) {
	g.Gauge.Set(float64(v))
}
