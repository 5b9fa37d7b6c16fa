// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package textstore implements the append-only flat file holding the
// normalized query text (and optional tag/extra metadata) of every tracked
// statement. Entries address their text by byte offset into the file. The
// file is meaningful only while the process is live: it is recreated empty
// on startup and removed on clean shutdown.
//
// The store's mutex protects only the extent counter, the writer count and
// the compaction generation; the actual file I/O happens outside of it so
// that concurrent writers serialize on offset reservation, not on disk.
package textstore

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dbgrove/stmtstats/pkg/util"
	"github.com/dbgrove/stmtstats/pkg/util/log"
	"github.com/dbgrove/stmtstats/pkg/util/syncutil"
	"github.com/dbgrove/stmtstats/pkg/util/timeutil"
)

// Span locates one text blob inside the store. A blob is laid out as
// [tag][extra][query]\0; QueryLen covers the query text alone.
type Span struct {
	Offset   int64
	TagLen   int
	ExtraLen int // -1 if the blob carries no extra metadata
	QueryLen int // -1 if the text has been invalidated
}

// total returns the on-disk size of the blob, or -1 if the span is invalid.
func (s Span) total() int64 {
	if s.QueryLen < 0 || s.Offset < 0 || s.TagLen < 0 {
		return -1
	}
	extra := s.ExtraLen
	if extra < 0 {
		extra = 0
	}
	return int64(s.TagLen) + int64(extra) + int64(s.QueryLen) + 1
}

// A TextStore is an append-only file of text blobs.
type TextStore struct {
	path     string
	logEvery util.EveryN

	mu struct {
		syncutil.Mutex
		// extent is the number of reserved bytes; the file may still be
		// shorter if a writer has reserved but not yet written.
		extent int64
		// nWriters counts writers that have reserved an extent but not yet
		// finished their write.
		nWriters int
		// generation increments on every compaction or recreation. Readers
		// holding cached offsets must reload when it changes.
		generation int64
		file       *os.File
	}
}

// New creates the store, truncating any leftover file at path.
func New(path string) (*TextStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating query text file %s", path)
	}
	t := &TextStore{
		path:     path,
		logEvery: util.Every(10 * time.Second),
	}
	t.mu.file = f
	return t, nil
}

// Store appends one blob and returns the offset it was assigned. It returns
// ok=false on I/O failure, in which case the caller must drop the entry
// creation rather than record a dangling offset.
func (t *TextStore) Store(ctx context.Context, query, extra, tag []byte) (offset int64, ok bool) {
	blob := make([]byte, 0, len(tag)+len(extra)+len(query)+1)
	blob = append(blob, tag...)
	blob = append(blob, extra...)
	blob = append(blob, query...)
	blob = append(blob, 0)

	t.mu.Lock()
	offset = t.mu.extent
	t.mu.extent += int64(len(blob))
	t.mu.nWriters++
	f := t.mu.file
	t.mu.Unlock()

	_, err := f.WriteAt(blob, offset)

	t.mu.Lock()
	t.mu.nWriters--
	t.mu.Unlock()

	if err != nil {
		if t.logEvery.ShouldProcess(timeutil.Now()) {
			log.Errorf(ctx, "could not write query text file %s: %v", t.path, err)
		}
		return 0, false
	}
	return offset, true
}

// LoadSnapshot reads the entire store into memory, together with the
// generation it was read under. Concurrent appends are tolerated: blobs
// written after the read started may be torn, which Fetch detects via its
// bounds and NUL checks.
func (t *TextStore) LoadSnapshot(ctx context.Context) ([]byte, int64, error) {
	t.mu.Lock()
	f := t.mu.file
	gen := t.mu.generation
	t.mu.Unlock()

	buf, err := readAll(f)
	if err != nil {
		if t.logEvery.ShouldProcess(timeutil.Now()) {
			log.Errorf(ctx, "could not read query text file %s: %v", t.path, err)
		}
		return nil, 0, errors.Wrapf(err, "reading query text file %s", t.path)
	}
	return buf, gen, nil
}

// Generation returns the current compaction generation.
func (t *TextStore) Generation() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.generation
}

// Extent returns the number of reserved bytes.
func (t *TextStore) Extent() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.extent
}

// Fetch extracts the tag, extra metadata and query text addressed by span
// from a loaded snapshot. It returns ok=false on any bounds violation or a
// missing NUL terminator, both of which indicate a torn read or a stale
// offset.
func Fetch(snapshot []byte, span Span) (tag, extra, query []byte, ok bool) {
	total := span.total()
	if total < 0 || span.Offset+total > int64(len(snapshot)) {
		return nil, nil, nil, false
	}
	blob := snapshot[span.Offset : span.Offset+total]
	if blob[len(blob)-1] != 0 {
		return nil, nil, nil, false
	}
	tag = blob[:span.TagLen]
	rest := blob[span.TagLen : len(blob)-1]
	if span.ExtraLen > 0 {
		extra = rest[:span.ExtraLen]
		rest = rest[span.ExtraLen:]
	}
	return tag, extra, rest, true
}

// gcFloorBytesPerEntry is the per-entry floor below which compaction is
// never worthwhile.
const gcFloorBytesPerEntry = 512

// NeedGC reports whether the store has grown enough to warrant compaction.
// The mean-length comparison avoids thrashing on a store that is large only
// because of a few big queries.
func (t *TextStore) NeedGC(capacity int, meanQueryLen float64) bool {
	extent := t.Extent()
	if extent < int64(capacity)*gcFloorBytesPerEntry {
		return false
	}
	if float64(extent) < meanQueryLen*float64(capacity)*2 {
		return false
	}
	return true
}

// GC rewrites the store to contain only the given live spans, compacted.
// The caller must guarantee exclusive access (no concurrent Store calls).
// It returns the new offset of each span, or -1 for spans whose text could
// not be located; those are excluded from the rewritten store. A non-nil
// error means the file itself could not be rewritten, at which point the
// caller must invalidate every entry's text and Recreate the store.
func (t *TextStore) GC(ctx context.Context, spans []Span) ([]int64, error) {
	t.mu.Lock()
	if t.mu.nWriters != 0 {
		t.mu.Unlock()
		return nil, errors.AssertionFailedf("text GC with %d writers outstanding", t.mu.nWriters)
	}
	f := t.mu.file
	t.mu.Unlock()

	old, err := readAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading query text file %s for GC", t.path)
	}

	compacted := make([]byte, 0, len(old)/2)
	offsets := make([]int64, len(spans))
	for i, span := range spans {
		if _, _, _, ok := Fetch(old, span); !ok {
			offsets[i] = -1
			continue
		}
		total := span.total()
		offsets[i] = int64(len(compacted))
		compacted = append(compacted, old[span.Offset:span.Offset+total]...)
	}

	if err := f.Truncate(0); err != nil {
		return nil, errors.Wrapf(err, "truncating query text file %s", t.path)
	}
	if _, err := f.WriteAt(compacted, 0); err != nil {
		return nil, errors.Wrapf(err, "rewriting query text file %s", t.path)
	}

	t.mu.Lock()
	t.mu.extent = int64(len(compacted))
	t.mu.generation++
	t.mu.Unlock()

	log.Infof(ctx, "query text file compacted: %d -> %d bytes", len(old), len(compacted))
	return offsets, nil
}

// Recreate empties the store and bumps the generation. It is the fail-safe
// after a GC failure: query text is sacrificed, counters are never
// corrupted.
func (t *TextStore) Recreate(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.mu.file.Truncate(0); err != nil {
		// Leave the stale contents in place; offsets have been invalidated
		// by the caller, so nothing will read them.
		log.Errorf(ctx, "could not truncate query text file %s: %v", t.path, err)
	}
	t.mu.extent = 0
	t.mu.generation++
}

// Close closes and removes the store file.
func (t *TextStore) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.mu.file.Close()
	if rmErr := os.Remove(t.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return errors.Wrapf(err, "closing query text file %s", t.path)
}

func readAll(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
