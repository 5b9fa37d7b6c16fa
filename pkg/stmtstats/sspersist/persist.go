// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package sspersist snapshots the statistics table to disk at orderly
// shutdown and restores it at startup. The file carries a magic/version
// header, a signed entry count, one fixed record plus variable text blob
// per entry, and a trailing global-stats block. A header mismatch or any
// mid-read failure degrades to a cold (or partially loaded) start; it is
// never an error surfaced to the embedding server's query path.
package sspersist

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/util/timeutil"
)

const (
	// fileMagic spells "STAT".
	fileMagic   = uint32(0x53544154)
	fileVersion = uint32(1)

	// maxTextLen bounds any persisted string so a corrupt length field
	// cannot drive an absurd allocation.
	maxTextLen = 1 << 28
)

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) write(v interface{}) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *errWriter) writeBlob(b []byte, present bool) {
	if !present {
		w.write(int32(-1))
		return
	}
	w.write(int32(len(b)))
	if w.err == nil && len(b) > 0 {
		_, w.err = w.w.Write(b)
	}
}

type errReader struct {
	r   io.Reader
	err error
}

func (r *errReader) read(v interface{}) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
}

func (r *errReader) readBlob() ([]byte, bool) {
	var n int32
	r.read(&n)
	if r.err != nil {
		return nil, false
	}
	if n < 0 {
		if n != -1 {
			r.err = errors.Newf("corrupt blob length %d", n)
		}
		return nil, false
	}
	if n > maxTextLen {
		r.err = errors.Newf("implausible blob length %d", n)
		return nil, false
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil, false
	}
	return b, true
}

// WriteSnapshot serializes rows and the global stats block to w.
func WriteSnapshot(
	w io.Writer,
	rows []*stmtstatspb.CollectedStatementStatistics,
	global stmtstatspb.GlobalStatistics,
) error {
	bw := bufio.NewWriter(w)
	ew := &errWriter{w: bw}

	ew.write(fileMagic)
	ew.write(fileVersion)
	ew.write(int32(len(rows)))

	for _, row := range rows {
		ew.write(row.Key.UserID)
		ew.write(row.Key.DatabaseID)
		ew.write(uint64(row.Key.FingerprintID))
		ew.write(row.Key.TopLevel)
		ew.write(row.ID)
		ew.write(int32(row.StmtType))
		ew.write(uint32(row.Encoding))
		ew.write(&row.Stats)
		ew.write(row.Usage)
		ew.write(timeutil.ToUnixMicros(row.StatsSince))
		ew.write(timeutil.ToUnixMicros(row.MinMaxSince))
		ew.writeBlob([]byte(row.Tag), true)
		ew.writeBlob(row.Extra, row.Extra != nil)
		ew.writeBlob([]byte(row.Query), true)
	}

	ew.write(global.EvictionCount)
	ew.write(timeutil.ToUnixMicros(global.LastReset))

	if ew.err != nil {
		return errors.Wrap(ew.err, "writing statistics snapshot")
	}
	return errors.Wrap(bw.Flush(), "writing statistics snapshot")
}

// ReadSnapshot deserializes a snapshot. On a mid-stream failure it returns
// the rows read so far along with the error, so the caller can keep the
// partial load. A header mismatch returns no rows at all.
func ReadSnapshot(
	r io.Reader,
) ([]*stmtstatspb.CollectedStatementStatistics, stmtstatspb.GlobalStatistics, error) {
	br := bufio.NewReader(r)
	er := &errReader{r: br}
	var global stmtstatspb.GlobalStatistics

	var magic, version uint32
	er.read(&magic)
	er.read(&version)
	if er.err != nil {
		return nil, global, errors.Wrap(er.err, "reading snapshot header")
	}
	if magic != fileMagic {
		return nil, global, errors.Newf("unrecognized snapshot magic %#x", magic)
	}
	if version != fileVersion {
		return nil, global, errors.Newf("unsupported snapshot version %d", version)
	}

	var count int32
	er.read(&count)
	if er.err != nil || count < 0 {
		return nil, global, errors.Newf("corrupt snapshot entry count")
	}

	rows := make([]*stmtstatspb.CollectedStatementStatistics, 0, count)
	for i := int32(0); i < count; i++ {
		row := &stmtstatspb.CollectedStatementStatistics{}
		var fingerprint uint64
		var stmtType int32
		var encoding uint32
		var statsSince, minmaxSince int64

		er.read(&row.Key.UserID)
		er.read(&row.Key.DatabaseID)
		er.read(&fingerprint)
		er.read(&row.Key.TopLevel)
		er.read(&row.ID)
		er.read(&stmtType)
		er.read(&encoding)
		er.read(&row.Stats)
		er.read(&row.Usage)
		er.read(&statsSince)
		er.read(&minmaxSince)
		tag, _ := er.readBlob()
		extra, hasExtra := er.readBlob()
		query, _ := er.readBlob()
		if er.err != nil {
			return rows, global, errors.Wrapf(er.err, "reading snapshot entry %d", i)
		}

		row.Key.FingerprintID = stmtstatspb.StmtFingerprintID(fingerprint)
		row.StmtType = stmtstatspb.StatementType(stmtType)
		row.Encoding = stmtstatspb.EncodingID(encoding)
		row.StatsSince = timeutil.FromUnixMicros(statsSince)
		row.MinMaxSince = timeutil.FromUnixMicros(minmaxSince)
		row.Tag = string(tag)
		if hasExtra {
			row.Extra = extra
		}
		row.Query = string(query)
		rows = append(rows, row)
	}

	var lastReset int64
	er.read(&global.EvictionCount)
	er.read(&lastReset)
	if er.err != nil {
		return rows, stmtstatspb.GlobalStatistics{}, errors.Wrap(er.err, "reading snapshot trailer")
	}
	global.LastReset = timeutil.FromUnixMicros(lastReset)
	return rows, global, nil
}

// WriteSnapshotFile writes the snapshot to path via a temporary file and
// rename, so a crash mid-write never leaves a half-written snapshot under
// the real name.
func WriteSnapshotFile(
	path string,
	rows []*stmtstatspb.CollectedStatementStatistics,
	global stmtstatspb.GlobalStatistics,
) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating snapshot file %s", tmp)
	}
	if err := WriteSnapshot(f, rows, global); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "closing snapshot file %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming snapshot file into place")
}

// ReadSnapshotFile reads a snapshot from path. A missing file is a clean
// cold start: no rows, no error.
func ReadSnapshotFile(
	path string,
) ([]*stmtstatspb.CollectedStatementStatistics, stmtstatspb.GlobalStatistics, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stmtstatspb.GlobalStatistics{}, nil
		}
		return nil, stmtstatspb.GlobalStatistics{}, errors.Wrapf(err, "opening snapshot file %s", path)
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(f)
}
