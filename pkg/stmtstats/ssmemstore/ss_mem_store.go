// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package ssmemstore implements the fixed-capacity in-memory container of
// per-statement statistics. Many goroutines update it concurrently under a
// three-tier lock discipline: the container's reader/writer lock protects
// the table structure, each entry carries a private mutex for its counters,
// and the text store keeps its own extent mutex. The lock order is
// container lock, then entry mutex; the extent mutex nests only inside the
// container's shared lock.
package ssmemstore

import (
	"context"
	"sort"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/textstore"
	"github.com/dbgrove/stmtstats/pkg/util/log"
	"github.com/dbgrove/stmtstats/pkg/util/metric"
	"github.com/dbgrove/stmtstats/pkg/util/syncutil"
	"github.com/dbgrove/stmtstats/pkg/util/timeutil"
	"github.com/google/uuid"
)

// StmtStatsKind distinguishes the two cost categories tracked per entry.
type StmtStatsKind int

const (
	// StmtStatsKindPlan is a planning sample.
	StmtStatsKindPlan StmtStatsKind = iota
	// StmtStatsKindExec is an execution sample.
	StmtStatsKindExec
)

// RecordedStmtStats is one measured cost sample together with the text
// needed to create the entry if this is the first observation of the key.
type RecordedStmtStats struct {
	// Query is the normalized statement text; Tag and Extra are the
	// optional caller-supplied metadata stored alongside it.
	Query string
	Tag   string
	Extra []byte

	ID       uuid.UUID
	StmtType stmtstatspb.StatementType
	Encoding stmtstatspb.EncodingID

	Latency         time.Duration
	Rows            int64
	Buffers         stmtstatspb.BufferUsage
	WAL             stmtstatspb.WALUsage
	JIT             stmtstatspb.JITUsage
	WorkersToLaunch int64
	WorkersLaunched int64
}

// Metrics are the container's exported counters. All fields are optional.
type Metrics struct {
	EvictedEntries *metric.Counter
	EvictionSweeps *metric.Counter
	DroppedSamples *metric.Counter
	TextGCRuns     *metric.Counter
	TextGCFailures *metric.Counter
}

// Container is the fixed-capacity table of tracked statements. The
// capacity bound is enforced eagerly: allocation at capacity evicts a batch
// of lowest-usage entries first, so the table never exceeds its configured
// maximum and allocation failure is not modeled as an error.
type Container struct {
	capacity  int
	textStore *textstore.TextStore
	metrics   Metrics

	// testingOnTextStored, if set, runs after a creator's text write and
	// before it takes the exclusive lock.
	testingOnTextStored func()

	mu struct {
		syncutil.RWMutex

		entries map[stmtstatspb.StatementStatisticsKey]*stmtEntry

		// curMedianUsage seeds the usage of newly created sticky entries so
		// they do not immediately look cheapest and get evicted before they
		// run. Refreshed on every eviction sweep.
		curMedianUsage float64
		// meanQueryLen is the running mean text length estimate feeding the
		// text-store GC trigger heuristic.
		meanQueryLen float64

		evictionCount int64
		lastReset     time.Time
	}
}

// New creates a Container bounded at capacity entries, storing query text
// in ts.
func New(capacity int, ts *textstore.TextStore, metrics Metrics) *Container {
	s := &Container{
		capacity:  capacity,
		textStore: ts,
		metrics:   metrics,
	}
	s.mu.entries = make(map[stmtstatspb.StatementStatisticsKey]*stmtEntry, capacity)
	s.mu.curMedianUsage = usageMedianInit
	s.mu.meanQueryLen = meanQueryLenInit
	s.mu.lastReset = timeutil.Now()
	return s
}

// Count returns the number of live entries.
func (s *Container) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mu.entries)
}

// GlobalInfo returns the process-wide counters: the total number of
// eviction sweeps and the time of the last full reset.
func (s *Container) GlobalInfo() stmtstatspb.GlobalStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stmtstatspb.GlobalStatistics{
		EvictionCount: s.mu.evictionCount,
		LastReset:     s.mu.lastReset,
	}
}

// RestoreGlobalInfo overwrites the process-wide counters with persisted
// values. Intended for startup restore only.
func (s *Container) RestoreGlobalInfo(global stmtstatspb.GlobalStatistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.evictionCount = global.EvictionCount
	if !global.LastReset.IsZero() {
		s.mu.lastReset = global.LastReset
	}
}

// Contains reports whether an entry exists for key.
func (s *Container) Contains(key stmtstatspb.StatementStatisticsKey) bool {
	return s.getEntry(key) != nil
}

func (s *Container) getEntry(key stmtstatspb.StatementStatisticsKey) *stmtEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.entries[key]
}

// EnsureEntry creates a sticky (provisional, not-yet-executed) entry for
// key if none exists. It is the early-observation path: the normalized
// text is persisted now so that a later sample does not need it. The
// sticky entry's usage is seeded at the current median so it survives
// until its first real sample.
func (s *Container) EnsureEntry(
	ctx context.Context, key stmtstatspb.StatementStatisticsKey, value *RecordedStmtStats,
) {
	if key.FingerprintID == stmtstatspb.InvalidStmtFingerprintID {
		return
	}
	if e := s.getEntry(key); e != nil {
		return
	}
	s.createEntry(ctx, key, value, true /* sticky */)
}

// RecordStatement folds one real plan or execution sample into the entry
// for key, creating it if needed. Samples with a zero fingerprint are
// dropped: zero is the sentinel for "not tracked". Returns whether the
// sample was recorded.
func (s *Container) RecordStatement(
	ctx context.Context,
	key stmtstatspb.StatementStatisticsKey,
	kind StmtStatsKind,
	value *RecordedStmtStats,
) bool {
	if key.FingerprintID == stmtstatspb.InvalidStmtFingerprintID {
		if s.metrics.DroppedSamples != nil {
			s.metrics.DroppedSamples.Inc(1)
		}
		return false
	}

	e := s.getEntry(key)
	if e == nil {
		e = s.createEntry(ctx, key, value, false /* sticky */)
		if e == nil {
			if s.metrics.DroppedSamples != nil {
				s.metrics.DroppedSamples.Inc(1)
			}
			return false
		}
	}
	e.recordSample(kind, value)
	return true
}

// createEntry persists the sample's text and allocates an entry for key.
// Allocation is idempotent under races: if a concurrent allocator won, the
// existing entry is returned unchanged and our stored text is left for the
// next compaction to reclaim. Returns nil only when the text write failed,
// in which case the creation is dropped entirely.
func (s *Container) createEntry(
	ctx context.Context, key stmtstatspb.StatementStatisticsKey, value *RecordedStmtStats, sticky bool,
) *stmtEntry {
	offset, gen, ok := s.storeText(ctx, value)
	if !ok {
		return nil
	}
	if s.testingOnTextStored != nil {
		s.testingOnTextStored()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A compaction may have slipped in between the shared and exclusive
	// lock, moving or discarding the blob just written. Compaction only
	// runs under the exclusive lock held here, so one re-store settles
	// the offset.
	if s.textStore.Generation() != gen {
		offset, ok = s.textStore.Store(ctx, []byte(value.Query), value.Extra, []byte(value.Tag))
		if !ok {
			return nil
		}
	}

	e := s.allocateLocked(ctx, key, value, sticky, offset)

	if s.textStore.NeedGC(s.capacity, s.mu.meanQueryLen) {
		s.gcTextsLocked(ctx)
	}
	return e
}

// storeText appends the sample's text blob while holding the shared table
// lock, so that the compaction path, which runs under the exclusive lock,
// can never overlap an in-flight writer. Writers still serialize only on
// offset reservation, not on I/O. The returned generation identifies the
// compaction epoch the offset is valid under.
func (s *Container) storeText(
	ctx context.Context, value *RecordedStmtStats,
) (offset int64, gen int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen = s.textStore.Generation()
	offset, ok = s.textStore.Store(ctx, []byte(value.Query), value.Extra, []byte(value.Tag))
	return offset, gen, ok
}

// allocateLocked inserts an entry for key, evicting a batch first if the
// table is at capacity. The container's exclusive lock must be held.
func (s *Container) allocateLocked(
	ctx context.Context,
	key stmtstatspb.StatementStatisticsKey,
	value *RecordedStmtStats,
	sticky bool,
	textOffset int64,
) *stmtEntry {
	s.mu.AssertHeld()

	if e, ok := s.mu.entries[key]; ok {
		return e
	}

	if len(s.mu.entries) >= s.capacity {
		s.deallocLocked(ctx)
	}

	e := &stmtEntry{
		key:        key,
		id:         value.ID,
		stmtType:   value.StmtType,
		encoding:   value.Encoding,
		textOffset: textOffset,
		tagLen:     len(value.Tag),
		extraLen:   -1,
		queryLen:   len(value.Query),
	}
	if value.Extra != nil {
		e.extraLen = len(value.Extra)
	}
	now := timeutil.Now()
	e.mu.statsSince = now
	e.mu.minmaxSince = now
	if sticky {
		e.mu.usage = s.mu.curMedianUsage
	} else {
		e.mu.usage = usageInit
	}
	s.mu.entries[key] = e
	return e
}

// deallocLocked is the eviction sweep: decay every entry's usage, refresh
// the mean-text-length and median-usage estimates, and remove the
// lowest-usage max(10, 5%) of entries. It runs only at capacity, so its
// O(n log n) cost amortizes over the batch it reclaims.
func (s *Container) deallocLocked(ctx context.Context) {
	s.mu.AssertHeld()

	entries := make([]entryUsage, 0, len(s.mu.entries))
	var totalLen, validCount int64
	for _, e := range s.mu.entries {
		entries = append(entries, entryUsage{entry: e, usage: e.decayUsage()})
		if e.queryLen >= 0 {
			totalLen += int64(e.queryLen)
			validCount++
		}
	}
	if validCount > 0 {
		s.mu.meanQueryLen = float64(totalLen) / float64(validCount)
	}

	sort.Sort(byUsage(entries))
	if len(entries) > 0 {
		s.mu.curMedianUsage = entries[len(entries)/2].usage
	}

	victims := len(entries) * deallocPercentage / 100
	if victims < deallocMinEntries {
		victims = deallocMinEntries
	}
	if victims > len(entries) {
		victims = len(entries)
	}
	for _, eu := range entries[:victims] {
		delete(s.mu.entries, eu.entry.key)
	}

	s.mu.evictionCount++
	if s.metrics.EvictionSweeps != nil {
		s.metrics.EvictionSweeps.Inc(1)
	}
	if s.metrics.EvictedEntries != nil {
		s.metrics.EvictedEntries.Inc(int64(victims))
	}
	log.Infof(ctx, "evicted %d of %d statement entries", victims, len(entries))
}

// gcTextsLocked compacts the text store down to the blobs referenced by
// live entries and reassigns their offsets. On failure every entry's text
// is invalidated and the store recreated empty: a deliberate fail-safe
// that sacrifices query text but never corrupts counters.
func (s *Container) gcTextsLocked(ctx context.Context) {
	s.mu.AssertHeld()

	entries := make([]*stmtEntry, 0, len(s.mu.entries))
	spans := make([]textstore.Span, 0, len(s.mu.entries))
	for _, e := range s.mu.entries {
		entries = append(entries, e)
		spans = append(spans, e.span())
	}

	offsets, err := s.textStore.GC(ctx, spans)
	if err != nil {
		log.Errorf(ctx, "query text compaction failed, invalidating all entry texts: %v", err)
		for _, e := range entries {
			e.textOffset = 0
			e.queryLen = -1
		}
		s.textStore.Recreate(ctx)
		if s.metrics.TextGCFailures != nil {
			s.metrics.TextGCFailures.Inc(1)
		}
		return
	}

	for i, e := range entries {
		if offsets[i] < 0 {
			e.textOffset = 0
			e.queryLen = -1
			continue
		}
		e.textOffset = offsets[i]
	}
	if s.metrics.TextGCRuns != nil {
		s.metrics.TextGCRuns.Inc(1)
	}
}

// RestoreEntry re-inserts a previously persisted row, allocating (and
// possibly evicting) as usual and then overwriting the fresh entry's
// zeroed counters with the saved ones. If the key is already live, the
// saved counters are merged into it instead, preserving samples recorded
// before restore got to this row. Purely sticky rows are not worth
// restoring and are skipped. Returns whether the row was restored.
func (s *Container) RestoreEntry(
	ctx context.Context, row *stmtstatspb.CollectedStatementStatistics, query, tag string, extra []byte,
) bool {
	if !row.Stats.Executed() {
		return false
	}
	if row.Key.FingerprintID == stmtstatspb.InvalidStmtFingerprintID {
		return false
	}

	value := &RecordedStmtStats{
		Query:    query,
		Tag:      tag,
		Extra:    extra,
		ID:       row.ID,
		StmtType: row.StmtType,
		Encoding: row.Encoding,
	}
	offset, gen, ok := s.storeText(ctx, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok && s.textStore.Generation() != gen {
		offset, ok = s.textStore.Store(ctx, []byte(query), extra, []byte(tag))
	}
	if !ok {
		offset = 0
	}

	if e, live := s.mu.entries[row.Key]; live {
		// The key was recorded again before its persisted row was
		// replayed. Fold the saved counters into the live entry; the
		// stored text duplicate is reclaimed by the next compaction.
		e.mu.Lock()
		e.mu.stats.Add(&row.Stats)
		if !row.StatsSince.IsZero() && row.StatsSince.Before(e.mu.statsSince) {
			e.mu.statsSince = row.StatsSince
		}
		if !row.MinMaxSince.IsZero() && row.MinMaxSince.Before(e.mu.minmaxSince) {
			e.mu.minmaxSince = row.MinMaxSince
		}
		e.mu.Unlock()
		return true
	}

	e := s.allocateLocked(ctx, row.Key, value, false /* sticky */, offset)
	if !ok {
		e.queryLen = -1
	}

	e.mu.Lock()
	e.mu.stats = row.Stats
	e.mu.usage = row.Usage
	e.mu.statsSince = row.StatsSince
	e.mu.minmaxSince = row.MinMaxSince
	e.mu.Unlock()
	return true
}
