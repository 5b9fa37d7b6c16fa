// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package stmtstatspb holds the statistics payload types shared by the
// in-memory store, the persistence layer and the enumeration surface.
package stmtstatspb

import (
	"math"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/dbgrove/stmtstats/pkg/util"
	"github.com/google/uuid"
)

// StmtFingerprintID is the type of a statement's fingerprint ID. Fingerprints
// are opaque 64-bit values supplied by the caller; zero means "not tracked".
type StmtFingerprintID uint64

// InvalidStmtFingerprintID is the sentinel for an untracked statement.
const InvalidStmtFingerprintID = StmtFingerprintID(0)

// ConstructStmtFingerprintID constructs an ID by hashing the query with
// constants redacted. It is a convenience for callers that do not derive
// fingerprints from query structure themselves.
func ConstructStmtFingerprintID(stmtNoConstants string) StmtFingerprintID {
	fnv := util.MakeFNV64()
	for _, c := range stmtNoConstants {
		fnv.Add(uint64(c))
	}
	return StmtFingerprintID(fnv.Sum())
}

// StatementType classifies the origin/dialect of a tracked statement.
type StatementType int32

const (
	// StatementTypeUnrecognized is a statement not attributable to any
	// known frontend, typically issued directly against the backend.
	StatementTypeUnrecognized StatementType = iota
	// StatementTypeSQL is a plain SQL statement.
	StatementTypeSQL
	// StatementTypeExtended is a statement carrying embedded caller
	// metadata (id, tag, extra) in a leading comment.
	StatementTypeExtended
	// StatementTypeUtility is a non-optimizable administrative statement.
	StatementTypeUtility
)

func (t StatementType) String() string {
	switch t {
	case StatementTypeSQL:
		return "sql"
	case StatementTypeExtended:
		return "extended"
	case StatementTypeUtility:
		return "utility"
	default:
		return "unrecognized"
	}
}

// EncodingID identifies the character encoding of a stored query text.
type EncodingID uint32

// EncodingUTF8 is the only encoding emitted by this library; foreign values
// can still round-trip through persistence.
const EncodingUTF8 = EncodingID(6)

// StatementStatisticsKey is the identity of a tracked statement. Distinct
// users, databases and top-level-ness produce distinct entries even for
// identical query text.
type StatementStatisticsKey struct {
	UserID        uint64
	DatabaseID    uint64
	FingerprintID StmtFingerprintID
	// TopLevel is true if the statement executed at the outermost nesting
	// level, false if it ran as a nested side-effect of another statement.
	TopLevel bool
}

// SafeFormat implements the redact.SafeFormatter interface. The key carries
// no query text and is safe to log verbatim.
func (k StatementStatisticsKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("{user=%d db=%d fingerprint=%x toplevel=%t}",
		k.UserID, k.DatabaseID, uint64(k.FingerprintID), k.TopLevel)
}

func (k StatementStatisticsKey) String() string {
	return redact.StringWithoutMarkers(k)
}

// NumericStat keeps track of the running mean and the running sum of squared
// differences from the mean for a stream of samples.
type NumericStat struct {
	Mean         float64
	SquaredDiffs float64
}

// Record updates the underlying running counts, incorporating the given
// value. It follows Welford's algorithm (Technometrics, 1962). The running
// count must be stored as it is required to finalize and retrieve the
// variance.
func (l *NumericStat) Record(count int64, val float64) {
	delta := val - l.Mean
	l.Mean += delta / float64(count)
	l.SquaredDiffs += delta * (val - l.Mean)
}

// GetVariance retrieves the population variance of the values. The full
// population of observed calls is available, so no Bessel correction is
// applied.
func (l *NumericStat) GetVariance(count int64) float64 {
	if count == 0 {
		return 0
	}
	return l.SquaredDiffs / float64(count)
}

// Add combines b into this derived statistics.
func (l *NumericStat) Add(b NumericStat, countA, countB int64) {
	*l = AddNumericStats(*l, b, countA, countB)
}

// AlmostEqual compares two NumericStats within a window of size eps.
func (l *NumericStat) AlmostEqual(b NumericStat, eps float64) bool {
	return math.Abs(l.Mean-b.Mean) <= eps &&
		math.Abs(l.SquaredDiffs-b.SquaredDiffs) <= eps
}

// AddNumericStats combines derived statistics.
// Adapted from https://www.johndcook.com/blog/skewness_kurtosis/
func AddNumericStats(a, b NumericStat, countA, countB int64) NumericStat {
	total := float64(countA + countB)
	if total == 0 {
		return NumericStat{}
	}
	delta := b.Mean - a.Mean

	return NumericStat{
		Mean: ((a.Mean * float64(countA)) + (b.Mean * float64(countB))) / total,
		SquaredDiffs: (a.SquaredDiffs + b.SquaredDiffs) +
			delta*delta*float64(countA)*float64(countB)/total,
	}
}

// PhaseStatistics aggregates the cost of one lifecycle phase (planning or
// execution) of a statement. Latencies are in seconds.
type PhaseStatistics struct {
	Count int64
	// TotalLat is the cumulative latency across all calls.
	TotalLat float64
	// MinLat and MaxLat track extrema since the last min/max reset. The
	// pair (0, 0) is the sentinel for "reset": the first sample recorded
	// against it sets both bounds rather than clamping against stale
	// zeroes.
	MinLat float64
	MaxLat float64
	// Lat tracks the running mean and variance accumulator.
	Lat NumericStat
}

// Record incorporates one latency sample.
func (p *PhaseStatistics) Record(lat float64) {
	p.Count++
	p.TotalLat += lat
	p.Lat.Record(p.Count, lat)
	if p.MinLat == 0 && p.MaxLat == 0 {
		p.MinLat = lat
		p.MaxLat = lat
		return
	}
	if lat < p.MinLat {
		p.MinLat = lat
	}
	if lat > p.MaxLat {
		p.MaxLat = lat
	}
}

// ResetMinMax puts the extrema back into the sentinel state.
func (p *PhaseStatistics) ResetMinMax() {
	p.MinLat = 0
	p.MaxLat = 0
}

// Add combines other into this PhaseStatistics.
func (p *PhaseStatistics) Add(other *PhaseStatistics) {
	p.Lat.Add(other.Lat, p.Count, other.Count)
	p.TotalLat += other.TotalLat
	if other.Count > 0 {
		if (p.MinLat == 0 && p.MaxLat == 0) ||
			(other.MinLat != 0 && other.MinLat < p.MinLat) {
			p.MinLat = other.MinLat
		}
		if other.MaxLat > p.MaxLat {
			p.MaxLat = other.MaxLat
		}
	}
	p.Count += other.Count
}

// BlockIOStatistics aggregates buffer I/O counters. Block counts are in
// blocks, times in seconds.
type BlockIOStatistics struct {
	SharedBlksHit     int64
	SharedBlksRead    int64
	SharedBlksDirtied int64
	SharedBlksWritten int64
	LocalBlksHit      int64
	LocalBlksRead     int64
	LocalBlksDirtied  int64
	LocalBlksWritten  int64
	TempBlksRead      int64
	TempBlksWritten   int64
	SharedBlkReadLat  float64
	SharedBlkWriteLat float64
	LocalBlkReadLat   float64
	LocalBlkWriteLat  float64
	TempBlkReadLat    float64
	TempBlkWriteLat   float64
}

// Add combines other into this BlockIOStatistics.
func (b *BlockIOStatistics) Add(other *BlockIOStatistics) {
	b.SharedBlksHit += other.SharedBlksHit
	b.SharedBlksRead += other.SharedBlksRead
	b.SharedBlksDirtied += other.SharedBlksDirtied
	b.SharedBlksWritten += other.SharedBlksWritten
	b.LocalBlksHit += other.LocalBlksHit
	b.LocalBlksRead += other.LocalBlksRead
	b.LocalBlksDirtied += other.LocalBlksDirtied
	b.LocalBlksWritten += other.LocalBlksWritten
	b.TempBlksRead += other.TempBlksRead
	b.TempBlksWritten += other.TempBlksWritten
	b.SharedBlkReadLat += other.SharedBlkReadLat
	b.SharedBlkWriteLat += other.SharedBlkWriteLat
	b.LocalBlkReadLat += other.LocalBlkReadLat
	b.LocalBlkWriteLat += other.LocalBlkWriteLat
	b.TempBlkReadLat += other.TempBlkReadLat
	b.TempBlkWriteLat += other.TempBlkWriteLat
}

// WALStatistics aggregates write-ahead-log counters.
type WALStatistics struct {
	Records     int64
	FPI         int64
	Bytes       uint64
	BuffersFull int64
}

// Add combines other into this WALStatistics.
func (w *WALStatistics) Add(other *WALStatistics) {
	w.Records += other.Records
	w.FPI += other.FPI
	w.Bytes += other.Bytes
	w.BuffersFull += other.BuffersFull
}

// JITStatistics aggregates just-in-time compilation sub-phase counters.
// Times are in seconds.
type JITStatistics struct {
	Functions         int64
	GenerationLat     float64
	InliningCount     int64
	InliningLat       float64
	OptimizationCount int64
	OptimizationLat   float64
	EmissionCount     int64
	EmissionLat       float64
	DeformCount       int64
	DeformLat         float64
}

// Add combines other into this JITStatistics.
func (j *JITStatistics) Add(other *JITStatistics) {
	j.Functions += other.Functions
	j.GenerationLat += other.GenerationLat
	j.InliningCount += other.InliningCount
	j.InliningLat += other.InliningLat
	j.OptimizationCount += other.OptimizationCount
	j.OptimizationLat += other.OptimizationLat
	j.EmissionCount += other.EmissionCount
	j.EmissionLat += other.EmissionLat
	j.DeformCount += other.DeformCount
	j.DeformLat += other.DeformLat
}

// ParallelStatistics aggregates parallel-worker launch counters.
type ParallelStatistics struct {
	WorkersToLaunch int64
	WorkersLaunched int64
}

// Add combines other into this ParallelStatistics.
func (p *ParallelStatistics) Add(other *ParallelStatistics) {
	p.WorkersToLaunch += other.WorkersToLaunch
	p.WorkersLaunched += other.WorkersLaunched
}

// StatementStatistics is the full per-entry aggregate.
type StatementStatistics struct {
	Plan     PhaseStatistics
	Exec     PhaseStatistics
	Rows     int64
	Blocks   BlockIOStatistics
	WAL      WALStatistics
	JIT      JITStatistics
	Parallel ParallelStatistics
}

// Executed reports whether any real plan or execution sample has been
// recorded. An entry with no samples is "sticky": provisional, decayed
// faster, and excluded from min/max tracking.
func (s *StatementStatistics) Executed() bool {
	return s.Plan.Count+s.Exec.Count > 0
}

// Add combines other into this StatementStatistics.
func (s *StatementStatistics) Add(other *StatementStatistics) {
	s.Plan.Add(&other.Plan)
	s.Exec.Add(&other.Exec)
	s.Rows += other.Rows
	s.Blocks.Add(&other.Blocks)
	s.WAL.Add(&other.WAL)
	s.JIT.Add(&other.JIT)
	s.Parallel.Add(&other.Parallel)
}

// CollectedStatementStatistics is one row of the enumeration surface: the
// key, a snapshot of the counters, and the entry's metadata.
type CollectedStatementStatistics struct {
	Key      StatementStatisticsKey
	ID       uuid.UUID
	StmtType StatementType
	Encoding EncodingID
	Stats    StatementStatistics
	Usage    float64
	// Query, Tag and Extra are empty unless the caller may see the entry's
	// text (owning user or privileged role) and text was requested.
	Query string
	Tag   string
	Extra []byte
	// StatsSince is the entry's creation time; MinMaxSince the time of the
	// last min/max reset.
	StatsSince  time.Time
	MinMaxSince time.Time
}
