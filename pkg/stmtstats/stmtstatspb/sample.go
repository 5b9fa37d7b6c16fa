// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stmtstatspb

import "time"

// BufferUsage is the buffer I/O incurred by a single call, as measured by
// the executor.
type BufferUsage struct {
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

	SharedBlkReadTime  time.Duration
	SharedBlkWriteTime time.Duration
	LocalBlkReadTime   time.Duration
	LocalBlkWriteTime  time.Duration
	TempBlkReadTime    time.Duration
	TempBlkWriteTime   time.Duration
}

// WALUsage is the write-ahead-log activity incurred by a single call.
type WALUsage struct {
	Records     int64
	FPI         int64
	Bytes       uint64
	BuffersFull int64
}

// JITUsage is the just-in-time compilation activity incurred by a single
// call.
type JITUsage struct {
	Functions         int64
	GenerationTime    time.Duration
	InliningCount     int64
	InliningTime      time.Duration
	OptimizationCount int64
	OptimizationTime  time.Duration
	EmissionCount     int64
	EmissionTime      time.Duration
	DeformCount       int64
	DeformTime        time.Duration
}

// GlobalStatistics are the process-wide counters maintained alongside the
// table: the total number of eviction sweeps and the time of the last full
// reset. They are zeroed only when every entry is removed simultaneously.
type GlobalStatistics struct {
	EvictionCount int64
	LastReset     time.Time
}
