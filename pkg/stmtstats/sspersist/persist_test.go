// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package sspersist

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/util/leaktest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleRows(t *testing.T) []*stmtstatspb.CollectedStatementStatistics {
	t.Helper()
	id, err := uuid.Parse("a81bc81b-dead-4e5d-abff-90865d1e13b1")
	require.NoError(t, err)

	var stats1 stmtstatspb.StatementStatistics
	stats1.Exec.Record(1.5)
	stats1.Exec.Record(3.5)
	stats1.Plan.Record(0.25)
	stats1.Rows = 40
	stats1.Blocks.SharedBlksHit = 100
	stats1.WAL.Records = 7
	stats1.WAL.Bytes = 4096

	var stats2 stmtstatspb.StatementStatistics
	stats2.Exec.Record(0.001)

	now := time.Unix(1700000000, 123456000).UTC()
	return []*stmtstatspb.CollectedStatementStatistics{
		{
			Key: stmtstatspb.StatementStatisticsKey{
				UserID: 10, DatabaseID: 2, FingerprintID: 0xdeadbeef, TopLevel: true,
			},
			ID:          id,
			StmtType:    stmtstatspb.StatementTypeExtended,
			Encoding:    stmtstatspb.EncodingUTF8,
			Stats:       stats1,
			Usage:       12.5,
			Query:       "SELECT * FROM t WHERE id = $1",
			Tag:         "dashboard",
			Extra:       []byte(`{"plan":"index"}`),
			StatsSince:  now,
			MinMaxSince: now.Add(time.Hour),
		},
		{
			Key: stmtstatspb.StatementStatisticsKey{
				UserID: 11, DatabaseID: 2, FingerprintID: 42, TopLevel: false,
			},
			StmtType:    stmtstatspb.StatementTypeSQL,
			Encoding:    stmtstatspb.EncodingUTF8,
			Stats:       stats2,
			Usage:       2.0,
			Query:       "SELECT 1",
			StatsSince:  now,
			MinMaxSince: now,
		},
	}
}

func sampleGlobal() stmtstatspb.GlobalStatistics {
	return stmtstatspb.GlobalStatistics{
		EvictionCount: 3,
		LastReset:     time.Unix(1690000000, 0).UTC(),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	rows := sampleRows(t)
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, rows, sampleGlobal()))

	got, global, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, rows, got)
	require.Equal(t, sampleGlobal(), global)

	// The second row carried no extra metadata; absence round-trips as
	// nil, not as an empty slice.
	require.Nil(t, got[1].Extra)
}

func TestSnapshotEmpty(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, nil, stmtstatspb.GlobalStatistics{}))
	rows, global, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, int64(0), global.EvictionCount)
}

func TestSnapshotBadHeader(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, sampleRows(t), sampleGlobal()))
	data := buf.Bytes()

	t.Run("magic", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(corrupt[0:], 0x4a554e4b)
		rows, _, err := ReadSnapshot(bytes.NewReader(corrupt))
		require.Error(t, err)
		require.Empty(t, rows)
	})

	t.Run("version", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(corrupt[4:], 999)
		rows, _, err := ReadSnapshot(bytes.NewReader(corrupt))
		require.Error(t, err)
		require.Empty(t, rows)
	})

	t.Run("truncated-header", func(t *testing.T) {
		rows, _, err := ReadSnapshot(bytes.NewReader(data[:6]))
		require.Error(t, err)
		require.Empty(t, rows)
	})
}

func TestSnapshotPartialLoad(t *testing.T) {
	defer leaktest.AfterTest(t)()

	rows := sampleRows(t)
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, rows, sampleGlobal()))

	// Cut the stream in the middle of the second entry. The first entry
	// is returned alongside the error so the caller can keep it.
	data := buf.Bytes()
	got, _, err := ReadSnapshot(bytes.NewReader(data[:len(data)-40]))
	require.Error(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rows[0], got[0])
}

func TestSnapshotImplausibleBlobLength(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, sampleRows(t)[:1], sampleGlobal()))
	data := buf.Bytes()

	// The tag blob's length field is the first int32 after the fixed
	// record; smash it to something no snapshot could contain.
	idx := bytes.Index(data, []byte("dashboard")) - 4
	require.Greater(t, idx, 0)
	binary.LittleEndian.PutUint32(data[idx:], 1<<30)
	rows, _, err := ReadSnapshot(bytes.NewReader(data))
	require.Error(t, err)
	require.Empty(t, rows)
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	path := filepath.Join(t.TempDir(), "stmtstats.snapshot")
	rows := sampleRows(t)
	require.NoError(t, WriteSnapshotFile(path, rows, sampleGlobal()))

	got, global, err := ReadSnapshotFile(path)
	require.NoError(t, err)
	require.Equal(t, rows, got)
	require.Equal(t, sampleGlobal(), global)
}

func TestSnapshotFileMissingIsColdStart(t *testing.T) {
	defer leaktest.AfterTest(t)()

	rows, global, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "nope.snapshot"))
	require.NoError(t, err)
	require.Nil(t, rows)
	require.Equal(t, stmtstatspb.GlobalStatistics{}, global)
}
