// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ssmemstore

import (
	"context"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/util/log"
	"github.com/dbgrove/stmtstats/pkg/util/timeutil"
)

// ResetFilter selects the entries a Reset applies to. Zero values mean
// "unfiltered": UserID 0 matches every user, an empty DatabaseIDs list
// every database, fingerprint 0 every statement.
type ResetFilter struct {
	UserID        uint64
	DatabaseIDs   []uint64
	FingerprintID stmtstatspb.StmtFingerprintID
	// MinMaxOnly clears only the min/max extrema instead of removing the
	// matched entries.
	MinMaxOnly bool
}

func (f ResetFilter) unfiltered() bool {
	return f.UserID == 0 && len(f.DatabaseIDs) == 0 &&
		f.FingerprintID == stmtstatspb.InvalidStmtFingerprintID
}

func (f ResetFilter) matches(key stmtstatspb.StatementStatisticsKey) bool {
	if f.UserID != 0 && key.UserID != f.UserID {
		return false
	}
	if f.FingerprintID != stmtstatspb.InvalidStmtFingerprintID &&
		key.FingerprintID != f.FingerprintID {
		return false
	}
	if len(f.DatabaseIDs) == 0 {
		return true
	}
	for _, db := range f.DatabaseIDs {
		if key.DatabaseID == db {
			return true
		}
	}
	return false
}

// Reset removes (or, with MinMaxOnly, clears the extrema of) the entries
// matched by the filter and returns the reset timestamp.
//
// When user, a single database and the fingerprint are all exact, only the
// two possible entries (top-level and nested) are probed instead of
// scanning the table. An unfiltered non-MinMaxOnly reset tears down every
// entry at once, which is the only event that zeroes the global stats.
func (s *Container) Reset(ctx context.Context, f ResetFilter) time.Time {
	ts := timeutil.Now()

	if f.unfiltered() && !f.MinMaxOnly {
		s.resetAll(ctx, ts)
		return ts
	}

	if f.UserID != 0 && len(f.DatabaseIDs) == 1 &&
		f.FingerprintID != stmtstatspb.InvalidStmtFingerprintID {
		s.resetExact(f, ts)
		return ts
	}

	if f.MinMaxOnly {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for key, e := range s.mu.entries {
			if f.matches(key) {
				e.resetMinMax(ts)
			}
		}
		return ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.mu.entries {
		if f.matches(key) {
			delete(s.mu.entries, key)
		}
	}
	return ts
}

// resetExact probes the top-level and nested variants of the one fully
// specified key.
func (s *Container) resetExact(f ResetFilter, ts time.Time) {
	keys := [2]stmtstatspb.StatementStatisticsKey{
		{UserID: f.UserID, DatabaseID: f.DatabaseIDs[0], FingerprintID: f.FingerprintID, TopLevel: true},
		{UserID: f.UserID, DatabaseID: f.DatabaseIDs[0], FingerprintID: f.FingerprintID, TopLevel: false},
	}

	if f.MinMaxOnly {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, key := range keys {
			if e, ok := s.mu.entries[key]; ok {
				e.resetMinMax(ts)
			}
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.mu.entries, key)
	}
}

func (s *Container) resetAll(ctx context.Context, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.mu.entries)
	s.mu.entries = make(map[stmtstatspb.StatementStatisticsKey]*stmtEntry, s.capacity)
	s.mu.evictionCount = 0
	s.mu.lastReset = ts
	s.textStore.Recreate(ctx)
	log.Infof(ctx, "statement statistics reset, %d entries discarded", n)
}
