// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/ssmemstore"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/sspersist"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

const testUUID = "a81bc81b-dead-4e5d-abff-90865d1e13b1"

func newTestProvider(t *testing.T, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StatsDir = t.TempDir()
	cfg.PersistAcrossRestarts = false
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func testStmt(fp uint64) Statement {
	return Statement{
		FingerprintID: stmtstatspb.StmtFingerprintID(fp),
		UserID:        1,
		DatabaseID:    1,
		TopLevel:      true,
		StmtType:      stmtstatspb.StatementTypeSQL,
		Query:         "SELECT * FROM t WHERE id = $1",
	}
}

func collectAll(t *testing.T, p *Provider) []*stmtstatspb.CollectedStatementStatistics {
	t.Helper()
	var rows []*stmtstatspb.CollectedStatementStatistics
	err := p.IterateStatementStats(context.Background(), ssmemstore.IteratorOptions{
		Caller: ssmemstore.Identity{Privileged: true}, ShowText: true, SortedKey: true,
	}, func(_ context.Context, row *stmtstatspb.CollectedStatementStatistics) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	return rows
}

func TestProviderLifecycle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	stmt := testStmt(100)
	fp, err := p.ObserveParse(ctx, stmt)
	require.NoError(t, err)
	require.Equal(t, stmt.FingerprintID, fp)

	// The parse hook creates a provisional entry carrying the text.
	rows := collectAll(t, p)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Stats.Executed())
	require.Equal(t, stmt.Query, rows[0].Query)

	p.ObservePlanComplete(ctx, PlanSample{Statement: stmt, Duration: 50 * time.Millisecond})
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: 2 * time.Second, Rows: 7})
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: 4 * time.Second, Rows: 3})

	rows = collectAll(t, p)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, int64(1), row.Stats.Plan.Count)
	require.InEpsilon(t, 0.05, row.Stats.Plan.TotalLat, 1e-9)
	require.Equal(t, int64(2), row.Stats.Exec.Count)
	require.Equal(t, 6.0, row.Stats.Exec.TotalLat)
	require.Equal(t, int64(10), row.Stats.Rows)
}

func TestProviderTrackingLevels(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	nested := testStmt(200)
	nested.TopLevel = false
	unrecognized := testStmt(300)
	unrecognized.TopLevel = false
	unrecognized.StmtType = stmtstatspb.StatementTypeUnrecognized
	top := testStmt(400)

	for _, tc := range []struct {
		level TrackLevel
		want  int
	}{
		{TrackNone, 0},
		{TrackTop, 1},
		{TrackTopOrUnrecognized, 2},
		{TrackAll, 3},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			p := newTestProvider(t, func(cfg *Config) { cfg.TrackingLevel = tc.level })
			for _, stmt := range []Statement{nested, unrecognized, top} {
				p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})
			}
			require.Len(t, collectAll(t, p), tc.want)
		})
	}
}

func TestProviderUtilityGate(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	stmt := testStmt(500)
	sample := ExecSample{Statement: stmt, Duration: time.Second}

	p := newTestProvider(t, func(cfg *Config) { cfg.TrackUtilityStatements = false })
	p.ObserveUtilityComplete(ctx, sample)
	require.Empty(t, collectAll(t, p))

	p = newTestProvider(t, nil)
	p.ObserveUtilityComplete(ctx, sample)
	rows := collectAll(t, p)
	require.Len(t, rows, 1)
	require.Equal(t, stmtstatspb.StatementTypeUtility, rows[0].StmtType)
}

func TestProviderPlanningGate(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	p := newTestProvider(t, func(cfg *Config) { cfg.TrackPlanningTime = false })
	p.ObservePlanComplete(ctx, PlanSample{Statement: testStmt(600), Duration: time.Second})
	require.Empty(t, collectAll(t, p))
}

func TestProviderZeroFingerprintDropped(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	stmt := testStmt(0)
	fp, err := p.ObserveParse(ctx, stmt)
	require.NoError(t, err)
	require.Equal(t, stmtstatspb.InvalidStmtFingerprintID, fp)
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})
	require.Empty(t, collectAll(t, p))
}

func TestProviderEmbeddedMetadata(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	stmt := testStmt(700)
	stmt.Query = `-- {"id": "` + testUUID + `", "query": "select users", "tag": "dashboard", "module": "auth"}
SELECT id, name FROM users`

	fp, err := p.ObserveParse(ctx, stmt)
	require.NoError(t, err)
	// The embedded id overrides the caller's fingerprint.
	require.NotEqual(t, stmt.FingerprintID, fp)
	require.NotEqual(t, stmtstatspb.InvalidStmtFingerprintID, fp)

	stmt.FingerprintID = fp
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})

	rows := collectAll(t, p)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, fp, row.Key.FingerprintID)
	require.Equal(t, "select users", row.Query)
	require.Equal(t, "dashboard", row.Tag)
	require.Equal(t, stmtstatspb.StatementTypeExtended, row.StmtType)
	require.Equal(t, testUUID, row.ID.String())
	require.Contains(t, string(row.Extra), "auth")
	require.Equal(t, int64(1), row.Stats.Exec.Count)
}

func TestProviderMalformedMetadata(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	stmt := testStmt(800)
	stmt.Query = `-- {"query": "missing id"}
SELECT 1`
	fp, err := p.ObserveParse(ctx, stmt)
	require.Error(t, err)
	// The original fingerprint is still usable for plain tracking.
	require.Equal(t, stmt.FingerprintID, fp)
}

func TestProviderFingerprintMismatchDropped(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	// The sample claims a fingerprint that disagrees with its embedded
	// metadata; recording it against a fresh entry would attribute cost
	// to the wrong statement, so it is dropped.
	stmt := testStmt(900)
	stmt.Query = `-- {"id": "` + testUUID + `", "query": "select users"}
SELECT id FROM users`
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})
	require.Empty(t, collectAll(t, p))
}

func TestProviderStatementTextTrim(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	stmt := testStmt(1000)
	stmt.Query = "SELECT 1; SELECT 2; SELECT 3"
	stmt.Location = 10
	stmt.Length = 9
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})

	rows := collectAll(t, p)
	require.Len(t, rows, 1)
	require.Equal(t, "SELECT 2;", rows[0].Query)

	// Out-of-range locations fall back to the whole text.
	stmt2 := testStmt(1001)
	stmt2.Query = "SELECT 4"
	stmt2.Location = 100
	stmt2.Length = 5
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt2, Duration: time.Second})
	rows = collectAll(t, p)
	require.Len(t, rows, 2)
	require.Equal(t, "SELECT 4", rows[1].Query)
}

func TestProviderReset(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	p := newTestProvider(t, nil)

	for fp := uint64(1); fp <= 5; fp++ {
		stmt := testStmt(fp)
		p.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second})
	}
	require.Len(t, collectAll(t, p), 5)

	ts := p.Reset(ctx, ssmemstore.ResetFilter{})
	require.Empty(t, collectAll(t, p))
	require.Equal(t, ts, p.GlobalInfo().LastReset)
}

func TestProviderPersistence(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.StatsDir = dir

	p1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p1.Start(ctx))

	stmt := testStmt(42)
	p1.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: 3 * time.Second, Rows: 5})
	p1.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: time.Second, Rows: 5})

	// A provisional entry with no executions is not persisted.
	_, err = p1.ObserveParse(ctx, testStmt(43))
	require.NoError(t, err)

	require.NoError(t, p1.Stop(ctx))
	require.FileExists(t, filepath.Join(dir, snapshotFileName))
	// The query text file does not outlive the process.
	require.NoFileExists(t, filepath.Join(dir, queryTextFileName))

	p2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p2.Start(ctx))
	defer func() { _ = p2.Stop(ctx) }()

	rows := collectAll(t, p2)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, stmt.FingerprintID, row.Key.FingerprintID)
	require.Equal(t, int64(2), row.Stats.Exec.Count)
	require.Equal(t, 4.0, row.Stats.Exec.TotalLat)
	require.Equal(t, int64(10), row.Stats.Rows)
	require.Equal(t, stmt.Query, row.Query)

	// The snapshot is single-use: it is consumed by the restore so a
	// crash cannot resurrect stale counters later.
	require.NoFileExists(t, filepath.Join(dir, snapshotFileName))

	// New samples keep accumulating on top of the restored counters.
	p2.ObserveExecuteComplete(ctx, ExecSample{Statement: stmt, Duration: 2 * time.Second})
	rows = collectAll(t, p2)
	require.Equal(t, int64(3), rows[0].Stats.Exec.Count)
}

func TestProviderPersistenceDisabled(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.StatsDir = dir
	cfg.PersistAcrossRestarts = false

	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	p.ObserveExecuteComplete(ctx, ExecSample{Statement: testStmt(1), Duration: time.Second})
	require.NoError(t, p.Stop(ctx))

	require.NoFileExists(t, filepath.Join(dir, snapshotFileName))
}

func TestProviderPersistenceGlobalOnlySnapshot(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dir := t.TempDir()

	// A snapshot can carry no restorable rows but still hold meaningful
	// process-wide counters in its trailer.
	lastReset := time.Unix(1700000000, 0).UTC()
	global := stmtstatspb.GlobalStatistics{EvictionCount: 17, LastReset: lastReset}
	require.NoError(t, sspersist.WriteSnapshotFile(filepath.Join(dir, snapshotFileName), nil, global))

	cfg := DefaultConfig()
	cfg.StatsDir = dir
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.Empty(t, collectAll(t, p))
	got := p.GlobalInfo()
	require.Equal(t, int64(17), got.EvictionCount)
	require.Equal(t, lastReset, got.LastReset)
}

func TestProviderPersistenceCorruptSnapshot(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName), []byte("garbage"), 0o644))

	cfg := DefaultConfig()
	cfg.StatsDir = dir
	p, err := New(cfg)
	require.NoError(t, err)
	// Corruption degrades to a cold start, never a startup failure.
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()
	require.Empty(t, collectAll(t, p))
}
