// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ssmemstore

import (
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/textstore"
	"github.com/dbgrove/stmtstats/pkg/util/syncutil"
	"github.com/google/uuid"
)

// Usage tuning knobs. Usage is an LFU-like popularity score: it increments
// by a constant per real sample and decays multiplicatively during eviction
// sweeps. Sticky (never-executed) entries decay faster so that provisional
// entries are reclaimed first.
const (
	usageInit         = 1.0
	usageDecreaseFac  = 0.99
	stickyDecreaseFac = 0.50
	usageMedianInit   = 10.0
	meanQueryLenInit  = 1024.0
	deallocMinEntries = 10
	deallocPercentage = 5
)

// stmtEntry holds one tracked statement: its identity, its counters, and
// the location of its text in the external text store.
//
// Locking: the counters, usage score and timestamps live under the entry's
// private mutex, which is held only for the duration of the numeric
// updates. The text location fields are mutated only while the container's
// exclusive lock is held (allocation, compaction, reset), so holders of at
// least the shared lock may read them freely.
type stmtEntry struct {
	key      stmtstatspb.StatementStatisticsKey
	id       uuid.UUID
	stmtType stmtstatspb.StatementType
	encoding stmtstatspb.EncodingID

	// Text location. queryLen is -1 when the text has been invalidated
	// (I/O failure or compaction fail-safe); extraLen is -1 when the blob
	// carries no extra metadata.
	textOffset int64
	tagLen     int
	extraLen   int
	queryLen   int

	mu struct {
		syncutil.Mutex

		stats       stmtstatspb.StatementStatistics
		usage       float64
		statsSince  time.Time
		minmaxSince time.Time
	}
}

func (e *stmtEntry) span() textstore.Span {
	return textstore.Span{
		Offset:   e.textOffset,
		TagLen:   e.tagLen,
		ExtraLen: e.extraLen,
		QueryLen: e.queryLen,
	}
}

// recordSample folds one plan or execution sample into the entry's
// counters. A sticky entry transitions to active here: its usage is reset
// to the baseline, not left at the decayed median it was seeded with.
func (e *stmtEntry) recordSample(kind StmtStatsKind, value *RecordedStmtStats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.mu.stats.Executed() {
		e.mu.usage = usageInit
	}

	lat := value.Latency.Seconds()
	switch kind {
	case StmtStatsKindPlan:
		e.mu.stats.Plan.Record(lat)
	case StmtStatsKindExec:
		e.mu.stats.Exec.Record(lat)
		e.mu.stats.Rows += value.Rows
		e.mu.stats.JIT.Functions += value.JIT.Functions
		e.mu.stats.JIT.GenerationLat += value.JIT.GenerationTime.Seconds()
		e.mu.stats.JIT.InliningCount += value.JIT.InliningCount
		e.mu.stats.JIT.InliningLat += value.JIT.InliningTime.Seconds()
		e.mu.stats.JIT.OptimizationCount += value.JIT.OptimizationCount
		e.mu.stats.JIT.OptimizationLat += value.JIT.OptimizationTime.Seconds()
		e.mu.stats.JIT.EmissionCount += value.JIT.EmissionCount
		e.mu.stats.JIT.EmissionLat += value.JIT.EmissionTime.Seconds()
		e.mu.stats.JIT.DeformCount += value.JIT.DeformCount
		e.mu.stats.JIT.DeformLat += value.JIT.DeformTime.Seconds()
		e.mu.stats.Parallel.WorkersToLaunch += value.WorkersToLaunch
		e.mu.stats.Parallel.WorkersLaunched += value.WorkersLaunched
	}

	e.mu.stats.Blocks.SharedBlksHit += value.Buffers.SharedBlksHit
	e.mu.stats.Blocks.SharedBlksRead += value.Buffers.SharedBlksRead
	e.mu.stats.Blocks.SharedBlksDirtied += value.Buffers.SharedBlksDirtied
	e.mu.stats.Blocks.SharedBlksWritten += value.Buffers.SharedBlksWritten
	e.mu.stats.Blocks.LocalBlksHit += value.Buffers.LocalBlksHit
	e.mu.stats.Blocks.LocalBlksRead += value.Buffers.LocalBlksRead
	e.mu.stats.Blocks.LocalBlksDirtied += value.Buffers.LocalBlksDirtied
	e.mu.stats.Blocks.LocalBlksWritten += value.Buffers.LocalBlksWritten
	e.mu.stats.Blocks.TempBlksRead += value.Buffers.TempBlksRead
	e.mu.stats.Blocks.TempBlksWritten += value.Buffers.TempBlksWritten
	e.mu.stats.Blocks.SharedBlkReadLat += value.Buffers.SharedBlkReadTime.Seconds()
	e.mu.stats.Blocks.SharedBlkWriteLat += value.Buffers.SharedBlkWriteTime.Seconds()
	e.mu.stats.Blocks.LocalBlkReadLat += value.Buffers.LocalBlkReadTime.Seconds()
	e.mu.stats.Blocks.LocalBlkWriteLat += value.Buffers.LocalBlkWriteTime.Seconds()
	e.mu.stats.Blocks.TempBlkReadLat += value.Buffers.TempBlkReadTime.Seconds()
	e.mu.stats.Blocks.TempBlkWriteLat += value.Buffers.TempBlkWriteTime.Seconds()

	e.mu.stats.WAL.Records += value.WAL.Records
	e.mu.stats.WAL.FPI += value.WAL.FPI
	e.mu.stats.WAL.Bytes += value.WAL.Bytes
	e.mu.stats.WAL.BuffersFull += value.WAL.BuffersFull

	e.mu.usage += usageInit
}

// resetMinMax puts both phases' extrema back into the (0, 0) sentinel
// state and stamps the reset time.
func (e *stmtEntry) resetMinMax(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mu.stats.Plan.ResetMinMax()
	e.mu.stats.Exec.ResetMinMax()
	e.mu.minmaxSince = ts
}

// decayUsage applies one eviction-sweep decay step and returns the decayed
// score.
func (e *stmtEntry) decayUsage() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mu.stats.Executed() {
		e.mu.usage *= usageDecreaseFac
	} else {
		e.mu.usage *= stickyDecreaseFac
	}
	return e.mu.usage
}

// collect snapshots the entry into an enumeration row. Text fields are
// filled in by the iterator, which owns the text snapshot.
func (e *stmtEntry) collect() *stmtstatspb.CollectedStatementStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &stmtstatspb.CollectedStatementStatistics{
		Key:         e.key,
		ID:          e.id,
		StmtType:    e.stmtType,
		Encoding:    e.encoding,
		Stats:       e.mu.stats,
		Usage:       e.mu.usage,
		StatsSince:  e.mu.statsSince,
		MinMaxSince: e.mu.minmaxSince,
	}
}
