// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package util

// Magic FNV base constant as suitable for a FNV-64 hash.
const fnvBase = uint64(14695981039346656037)
const fnvPrime = 1099511628211

// FNV64 is an FNV-64 hash in progress.
type FNV64 struct {
	sum uint64
}

// MakeFNV64 initializes a new FNV64 hash.
func MakeFNV64() FNV64 {
	return FNV64{sum: fnvBase}
}

// Add incorporates a value into the hash.
func (f *FNV64) Add(c uint64) {
	f.sum *= fnvPrime
	f.sum ^= c
}

// Sum returns the hash computed so far.
func (f *FNV64) Sum() uint64 {
	return f.sum
}
