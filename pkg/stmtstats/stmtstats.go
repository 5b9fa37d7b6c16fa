// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package stmtstats is an in-process statistics collector that attributes
// execution cost (timing, I/O, WAL, JIT, parallelism) to distinct query
// fingerprints inside a long-running database server. The embedding server
// invokes the Observe* hooks at well-defined lifecycle points; cumulative
// aggregates are exposed to administrators via IterateStatementStats,
// Reset and GlobalInfo.
//
// The collector keeps a fixed-capacity table of per-fingerprint counters
// (see ssmemstore), stores the normalized query text in an append-only
// companion file (see textstore), and optionally persists the table across
// restarts (see sspersist).
package stmtstats

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/ssmemstore"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/sspersist"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/textstore"
	"github.com/dbgrove/stmtstats/pkg/util/log"
)

const (
	queryTextFileName = "stmt_texts.stat"
	snapshotFileName  = "stmtstats.snapshot"
)

// Provider is the long-lived collector object. Construct one at server
// startup, call Start, pass it by reference to every hook site, and call
// Stop at orderly shutdown.
type Provider struct {
	cfg       Config
	metrics   Metrics
	textStore *textstore.TextStore
	container *ssmemstore.Container
}

// New creates a Provider. The query text file is always recreated empty:
// it is meaningful only while the process is live.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StatsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating stats directory %s", cfg.StatsDir)
	}
	ts, err := textstore.New(filepath.Join(cfg.StatsDir, queryTextFileName))
	if err != nil {
		return nil, err
	}
	metrics := MakeMetrics()
	container := ssmemstore.New(cfg.MaxTrackedStatements, ts, ssmemstore.Metrics{
		EvictedEntries: metrics.EvictedEntries,
		EvictionSweeps: metrics.EvictionSweeps,
		DroppedSamples: metrics.DroppedSamples,
		TextGCRuns:     metrics.TextGCRuns,
		TextGCFailures: metrics.TextGCFailures,
	})
	return &Provider{
		cfg:       cfg,
		metrics:   metrics,
		textStore: ts,
		container: container,
	}, nil
}

// Metrics returns the collector's metrics for registration with the
// embedding server's registry.
func (p *Provider) Metrics() *Metrics {
	return &p.metrics
}

// Start restores a previous snapshot when persistence is enabled. It must
// run before any hook fires.
func (p *Provider) Start(ctx context.Context) error {
	if !p.cfg.PersistAcrossRestarts {
		return nil
	}
	path := filepath.Join(p.cfg.StatsDir, snapshotFileName)
	rows, global, err := sspersist.ReadSnapshotFile(path)
	if err != nil {
		// Corruption or a truncated file is not fatal: keep whatever
		// loaded and start from there.
		log.Warningf(ctx, "could not fully restore statement statistics: %v", err)
	}
	restored := 0
	for _, row := range rows {
		if p.container.RestoreEntry(ctx, row, row.Query, row.Tag, row.Extra) {
			restored++
		}
	}
	// The trailer carries process-wide counters and is meaningful even
	// when no individual row was worth restoring.
	p.container.RestoreGlobalInfo(global)
	if restored > 0 {
		log.Infof(ctx, "restored %d statement statistics entries", restored)
	}
	// The snapshot is single-use; a crash before the next orderly
	// shutdown must cold-start rather than resurrect stale counters.
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warningf(ctx, "could not remove statistics snapshot: %v", rmErr)
	}
	p.metrics.TrackedStatements.Update(int64(p.container.Count()))
	return nil
}

// Stop snapshots the table when persistence is enabled and removes the
// query text file. Callers must guarantee that no hook can fire
// concurrently or afterwards.
func (p *Provider) Stop(ctx context.Context) error {
	var snapErr error
	if p.cfg.PersistAcrossRestarts {
		snapErr = p.snapshot(ctx)
	}
	if err := p.textStore.Close(); err != nil {
		log.Warningf(ctx, "closing query text store: %v", err)
	}
	return snapErr
}

func (p *Provider) snapshot(ctx context.Context) error {
	rows := make([]*stmtstatspb.CollectedStatementStatistics, 0, p.container.Count())
	it := p.container.StmtStatsIterator(ctx, ssmemstore.IteratorOptions{
		Caller:    ssmemstore.Identity{Privileged: true},
		ShowText:  true,
		SortedKey: true,
	})
	for it.Next(ctx) {
		row := it.Cur()
		// Provisional entries that never executed are not worth
		// restoring, and entries whose text was invalidated cannot be
		// re-stored meaningfully.
		if !row.Stats.Executed() || row.Query == "" {
			continue
		}
		rows = append(rows, row)
	}

	path := filepath.Join(p.cfg.StatsDir, snapshotFileName)
	if err := sspersist.WriteSnapshotFile(path, rows, p.container.GlobalInfo()); err != nil {
		log.Errorf(ctx, "could not write statistics snapshot: %v", err)
		return err
	}
	log.Infof(ctx, "wrote statistics snapshot with %d entries", len(rows))
	return nil
}

// GlobalInfo returns the process-wide eviction count and last full reset
// time.
func (p *Provider) GlobalInfo() stmtstatspb.GlobalStatistics {
	return p.container.GlobalInfo()
}

// Reset removes or clears the entries matched by the filter and returns
// the reset timestamp.
func (p *Provider) Reset(ctx context.Context, f ssmemstore.ResetFilter) time.Time {
	ts := p.container.Reset(ctx, f)
	p.metrics.TrackedStatements.Update(int64(p.container.Count()))
	return ts
}

// StatsVisitor is the callback invoked for every enumerated row.
type StatsVisitor func(ctx context.Context, stats *stmtstatspb.CollectedStatementStatistics) error

// IterateStatementStats enumerates the aggregated rows. The iteration is
// finite and restartable only by re-invoking; a non-nil visitor error
// aborts it and is returned.
func (p *Provider) IterateStatementStats(
	ctx context.Context, options ssmemstore.IteratorOptions, visitor StatsVisitor,
) error {
	it := p.container.StmtStatsIterator(ctx, options)
	for it.Next(ctx) {
		if err := visitor(ctx, it.Cur()); err != nil {
			return errors.Wrap(err, "iterating statement statistics")
		}
	}
	return nil
}
