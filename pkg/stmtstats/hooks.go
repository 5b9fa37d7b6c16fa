// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstats

import (
	"context"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/queryinfo"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/ssmemstore"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
)

// Statement identifies one observed statement occurrence at a hook site.
type Statement struct {
	FingerprintID stmtstatspb.StmtFingerprintID
	UserID        uint64
	DatabaseID    uint64
	// TopLevel is true when the statement executed at the outermost
	// nesting level rather than as a side-effect of another statement.
	TopLevel bool
	StmtType stmtstatspb.StatementType
	// Query is the raw source text; Location/Length select the substring
	// relevant to this statement (both zero means the whole text).
	Query    string
	Location int
	Length   int
}

func (s *Statement) key() stmtstatspb.StatementStatisticsKey {
	return stmtstatspb.StatementStatisticsKey{
		UserID:        s.UserID,
		DatabaseID:    s.DatabaseID,
		FingerprintID: s.FingerprintID,
		TopLevel:      s.TopLevel,
	}
}

// text returns the substring of the source text selected by
// Location/Length, clamped to the source bounds.
func (s *Statement) text() string {
	q := s.Query
	loc, n := s.Location, s.Length
	if loc < 0 || loc > len(q) {
		loc = 0
	}
	if n <= 0 || loc+n > len(q) {
		return q[loc:]
	}
	return q[loc : loc+n]
}

// PlanSample is the measured cost of one completed planning phase.
type PlanSample struct {
	Statement
	Duration time.Duration
	Buffers  stmtstatspb.BufferUsage
	WAL      stmtstatspb.WALUsage
}

// ExecSample is the measured cost of one completed execution.
type ExecSample struct {
	Statement
	Duration        time.Duration
	Rows            int64
	Buffers         stmtstatspb.BufferUsage
	WAL             stmtstatspb.WALUsage
	JIT             stmtstatspb.JITUsage
	WorkersToLaunch int64
	WorkersLaunched int64
}

// shouldTrack applies the configured tracking level.
func (p *Provider) shouldTrack(s *Statement) bool {
	switch p.cfg.TrackingLevel {
	case TrackTop:
		return s.TopLevel
	case TrackTopOrUnrecognized:
		return s.TopLevel || s.StmtType == stmtstatspb.StatementTypeUnrecognized
	case TrackAll:
		return true
	default:
		return false
	}
}

// ObserveParse runs at parse time. It extracts any embedded caller
// metadata from the source text and returns the fingerprint the remaining
// hooks must use: the caller's own identifier when metadata is present,
// the supplied fingerprint otherwise. A provisional (sticky) entry is
// created so the normalized text is captured before the first costed
// sample arrives. The returned error reports malformed-but-present
// metadata; the fingerprint alongside it is still usable.
func (p *Provider) ObserveParse(
	ctx context.Context, stmt Statement,
) (stmtstatspb.StmtFingerprintID, error) {
	qi, err := queryinfo.Extract(stmt.Query)
	if err != nil {
		return stmt.FingerprintID, err
	}

	value := &ssmemstore.RecordedStmtStats{
		Query:    stmt.text(),
		StmtType: stmt.StmtType,
		Encoding: stmtstatspb.EncodingUTF8,
	}
	if qi != nil {
		stmt.FingerprintID = qi.Fingerprint()
		stmt.StmtType = qi.Type
		value.Query = qi.Query
		value.Tag = qi.Tag
		value.Extra = qi.Extra
		value.ID = qi.ID
		value.StmtType = stmt.StmtType
	}
	if stmt.FingerprintID == stmtstatspb.InvalidStmtFingerprintID {
		return stmt.FingerprintID, nil
	}
	if p.shouldTrack(&stmt) {
		p.container.EnsureEntry(ctx, stmt.key(), value)
		p.metrics.TrackedStatements.Update(int64(p.container.Count()))
	}
	return stmt.FingerprintID, nil
}

// ObservePlanComplete records a completed planning phase. Gated by the
// track_planning_time setting.
func (p *Provider) ObservePlanComplete(ctx context.Context, sample PlanSample) {
	if !p.cfg.TrackPlanningTime {
		return
	}
	p.record(ctx, ssmemstore.StmtStatsKindPlan, &sample.Statement, &ssmemstore.RecordedStmtStats{
		Latency: sample.Duration,
		Buffers: sample.Buffers,
		WAL:     sample.WAL,
	})
}

// ObserveExecuteComplete records a completed execution.
func (p *Provider) ObserveExecuteComplete(ctx context.Context, sample ExecSample) {
	p.record(ctx, ssmemstore.StmtStatsKindExec, &sample.Statement, &ssmemstore.RecordedStmtStats{
		Latency:         sample.Duration,
		Rows:            sample.Rows,
		Buffers:         sample.Buffers,
		WAL:             sample.WAL,
		JIT:             sample.JIT,
		WorkersToLaunch: sample.WorkersToLaunch,
		WorkersLaunched: sample.WorkersLaunched,
	})
}

// ObserveUtilityComplete records a completed non-optimizable
// administrative statement. Gated by the track_utility_statements setting.
func (p *Provider) ObserveUtilityComplete(ctx context.Context, sample ExecSample) {
	if !p.cfg.TrackUtilityStatements {
		return
	}
	sample.StmtType = stmtstatspb.StatementTypeUtility
	p.record(ctx, ssmemstore.StmtStatsKindExec, &sample.Statement, &ssmemstore.RecordedStmtStats{
		Latency:         sample.Duration,
		Rows:            sample.Rows,
		Buffers:         sample.Buffers,
		WAL:             sample.WAL,
		JIT:             sample.JIT,
		WorkersToLaunch: sample.WorkersToLaunch,
		WorkersLaunched: sample.WorkersLaunched,
	})
}

// record folds one costed sample into the table. When the entry is about
// to be created from this sample's raw text, embedded metadata is
// re-extracted to cross-check the sample's identity: a disagreement means
// the fingerprint was assigned against a different text (a race with a
// concurrent reset), and the sample is dropped rather than recorded
// against an unrelated entry.
func (p *Provider) record(
	ctx context.Context,
	kind ssmemstore.StmtStatsKind,
	stmt *Statement,
	value *ssmemstore.RecordedStmtStats,
) {
	if !p.shouldTrack(stmt) {
		return
	}
	if stmt.FingerprintID == stmtstatspb.InvalidStmtFingerprintID {
		p.metrics.DroppedSamples.Inc(1)
		return
	}

	value.StmtType = stmt.StmtType
	value.Encoding = stmtstatspb.EncodingUTF8
	value.Query = stmt.text()

	if !p.container.Contains(stmt.key()) {
		// Creation path: the entry's text comes from this sample.
		if qi, err := queryinfo.Extract(stmt.Query); err == nil && qi != nil {
			if qi.Fingerprint() != stmt.FingerprintID {
				p.metrics.FingerprintMismatches.Inc(1)
				p.metrics.DroppedSamples.Inc(1)
				return
			}
			value.Query = qi.Query
			value.Tag = qi.Tag
			value.Extra = qi.Extra
			value.ID = qi.ID
			value.StmtType = qi.Type
		}
	}

	if p.container.RecordStatement(ctx, stmt.key(), kind, value) {
		p.metrics.TrackedStatements.Update(int64(p.container.Count()))
	}
}
