// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ssmemstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/datadriven"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/textstore"
	"github.com/dbgrove/stmtstats/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

// TestDataDriven runs the scenarios under testdata/. Supported commands:
//
//	init capacity=<n>
//	  create a fresh container
//
//	record
//	  input lines of "<fingerprint> <count>": record count execution
//	  samples against each fingerprint
//
//	ensure
//	  input lines of "<fingerprint>": create sticky entries
//
//	list
//	  print the live entries in key order
//
//	global
//	  print the eviction-sweep count
func TestDataDriven(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		var container *Container
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			switch d.Cmd {
			case "init":
				var capacity int
				d.ScanArgs(t, "capacity", &capacity)
				ts, err := textstore.New(filepath.Join(t.TempDir(), "texts.stat"))
				require.NoError(t, err)
				t.Cleanup(func() { _ = ts.Close() })
				container = New(capacity, ts, Metrics{})
				return "ok"

			case "record":
				total := 0
				for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
					fields := strings.Fields(line)
					require.Len(t, fields, 2, "expected '<fingerprint> <count>', got %q", line)
					fp, err := strconv.ParseUint(fields[0], 10, 64)
					require.NoError(t, err)
					count, err := strconv.Atoi(fields[1])
					require.NoError(t, err)
					for i := 0; i < count; i++ {
						container.RecordStatement(ctx, testKey(fp), StmtStatsKindExec,
							execSample(fmt.Sprintf("SELECT %d", fp), time.Second))
					}
					total += count
				}
				return fmt.Sprintf("recorded %d samples", total)

			case "ensure":
				for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
					fp, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
					require.NoError(t, err)
					container.EnsureEntry(ctx, testKey(fp),
						execSample(fmt.Sprintf("SELECT %d", fp), 0))
				}
				return "ok"

			case "list":
				var sb strings.Builder
				it := container.StmtStatsIterator(ctx, IteratorOptions{
					Caller: Identity{Privileged: true}, SortedKey: true,
				})
				for it.Next(ctx) {
					row := it.Cur()
					fmt.Fprintf(&sb, "fingerprint=%d calls=%d sticky=%t\n",
						uint64(row.Key.FingerprintID), row.Stats.Exec.Count,
						!row.Stats.Executed())
				}
				if sb.Len() == 0 {
					return "empty"
				}
				return strings.TrimRight(sb.String(), "\n")

			case "global":
				return fmt.Sprintf("eviction sweeps: %d", container.GlobalInfo().EvictionCount)

			default:
				t.Fatalf("unknown command %q", d.Cmd)
				return ""
			}
		})
	})
}
