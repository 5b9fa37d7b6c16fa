// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package timeutil

import "time"

// Now returns the current local time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// Unix returns the local time corresponding to the given Unix time.
func Unix(sec, nsec int64) time.Time {
	return time.Unix(sec, nsec)
}

// ToUnixMicros returns t as the number of microseconds elapsed since the
// epoch. Fractional microseconds are rounded, half up.
func ToUnixMicros(t time.Time) int64 {
	return t.Unix()*1e6 + int64(t.Nanosecond()+500)/1e3
}

// FromUnixMicros returns the time.Time corresponding to the given number of
// microseconds since the epoch. The result has a UTC location.
func FromUnixMicros(us int64) time.Time {
	return time.Unix(us/1e6, (us%1e6)*1e3).UTC()
}
