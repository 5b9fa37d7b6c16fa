// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ssmemstore

import (
	"context"
	"sort"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/textstore"
)

// Identity is the caller on whose behalf an enumeration runs. Query text
// and fingerprints are visible only to the owning user or a privileged
// role.
type Identity struct {
	UserID     uint64
	Privileged bool
}

func (id Identity) canSee(key stmtstatspb.StatementStatisticsKey) bool {
	return id.Privileged || id.UserID == key.UserID
}

// IteratorOptions tunes an enumeration pass.
type IteratorOptions struct {
	Caller Identity
	// ShowText requests the query text, tag and extra metadata for visible
	// entries; it costs a whole-file read of the text store.
	ShowText bool
	// SortedKey yields entries in key order; useful for tests and stable
	// presentation.
	SortedKey bool
}

// StmtStatsIterator iterates over a snapshot of the container's keys.
// Entries removed after the iterator was created are skipped; the iterator
// is not resumable mid-scan other than by creating a new one.
type StmtStatsIterator struct {
	container *Container
	options   IteratorOptions
	keys      stmtList
	idx       int

	textSnapshot []byte
	textGen      int64

	currentValue *stmtstatspb.CollectedStatementStatistics
}

// StmtStatsIterator returns an iterator over the container's entries.
func (s *Container) StmtStatsIterator(ctx context.Context, options IteratorOptions) StmtStatsIterator {
	s.mu.RLock()
	keys := make(stmtList, 0, len(s.mu.entries))
	for key := range s.mu.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	if options.SortedKey {
		sort.Sort(keys)
	}

	it := StmtStatsIterator{
		container: s,
		options:   options,
		keys:      keys,
		idx:       -1,
	}
	if options.ShowText {
		// Tolerate a failed read: the pass degrades to counters-only, the
		// same as entries whose text was invalidated.
		it.textSnapshot, it.textGen, _ = s.textStore.LoadSnapshot(ctx)
	}
	return it
}

// Initialized returns true if the iterator has been created via
// Container.StmtStatsIterator.
func (s *StmtStatsIterator) Initialized() bool {
	return s.container != nil
}

// Next increments the iterator. It returns true if the subsequent Cur()
// call is valid, false otherwise.
func (s *StmtStatsIterator) Next(ctx context.Context) bool {
	for {
		s.idx++
		if s.idx >= len(s.keys) {
			s.currentValue = nil
			return false
		}
		key := s.keys[s.idx]
		e := s.container.getEntry(key)
		if e == nil {
			// Removed since the snapshot was taken.
			continue
		}

		row := e.collect()
		if s.options.ShowText && s.options.Caller.canSee(key) {
			s.fetchText(ctx, e, row)
		}
		if !s.options.Caller.canSee(key) {
			row.Key.FingerprintID = stmtstatspb.InvalidStmtFingerprintID
		}
		s.currentValue = row
		return true
	}
}

// fetchText resolves the entry's text against the loaded snapshot,
// reloading the snapshot first if a compaction has moved offsets since it
// was taken.
func (s *StmtStatsIterator) fetchText(
	ctx context.Context, e *stmtEntry, row *stmtstatspb.CollectedStatementStatistics,
) {
	if gen := s.container.textStore.Generation(); gen != s.textGen {
		snap, loadedGen, err := s.container.textStore.LoadSnapshot(ctx)
		if err != nil {
			return
		}
		s.textSnapshot, s.textGen = snap, loadedGen
	}

	// The entry's span is read under the container's shared lock so it
	// cannot move concurrently; a torn blob from a concurrent append still
	// fails the bounds/NUL validation and is simply omitted.
	s.container.mu.RLock()
	span := e.span()
	s.container.mu.RUnlock()

	tag, extra, query, ok := textstore.Fetch(s.textSnapshot, span)
	if !ok {
		return
	}
	row.Tag = string(tag)
	if extra != nil {
		row.Extra = append([]byte(nil), extra...)
	}
	row.Query = string(query)
}

// Cur returns the row at the current internal counter.
func (s *StmtStatsIterator) Cur() *stmtstatspb.CollectedStatementStatistics {
	return s.currentValue
}
