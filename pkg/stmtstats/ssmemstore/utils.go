// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ssmemstore

import "github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"

type stmtList []stmtstatspb.StatementStatisticsKey

func (s stmtList) Len() int {
	return len(s)
}
func (s stmtList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
func (s stmtList) Less(i, j int) bool {
	if s[i].UserID != s[j].UserID {
		return s[i].UserID < s[j].UserID
	}
	if s[i].DatabaseID != s[j].DatabaseID {
		return s[i].DatabaseID < s[j].DatabaseID
	}
	if s[i].FingerprintID != s[j].FingerprintID {
		return s[i].FingerprintID < s[j].FingerprintID
	}
	return s[i].TopLevel && !s[j].TopLevel
}

// entryUsage pairs an entry with its post-decay usage score for the
// eviction sort.
type entryUsage struct {
	entry *stmtEntry
	usage float64
}

type byUsage []entryUsage

func (u byUsage) Len() int {
	return len(u)
}
func (u byUsage) Swap(i, j int) {
	u[i], u[j] = u[j], u[i]
}
func (u byUsage) Less(i, j int) bool {
	return u[i].usage < u[j].usage
}
