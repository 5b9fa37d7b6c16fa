// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// stmtstatsdump prints the contents of a statement statistics snapshot
// file in a human-readable form. It operates on the snapshot alone and
// needs no running collector.
package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dbgrove/stmtstats/pkg/stmtstats/sspersist"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	flagSortBy   string
	flagTop      int
	flagVerbose  bool
	flagFullText bool
)

var rootCmd = &cobra.Command{
	Use:   "stmtstatsdump <snapshot-file>",
	Short: "print a statement statistics snapshot",
	Long: `stmtstatsdump reads a statement statistics snapshot file, as written
by a collector on shutdown, and prints the recorded statements together
with their accumulated execution statistics.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,

	SilenceUsage: true,
}

func init() {
	registerFlags(rootCmd.Flags())
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return err
	})
}

func registerFlags(f *pflag.FlagSet) {
	f.StringVar(&flagSortBy, "sort", "time",
		"sort order: calls, time, rows, or usage")
	f.IntVar(&flagTop, "top", 0,
		"print only the top N statements (0 means all)")
	f.BoolVarP(&flagVerbose, "verbose", "v", false,
		"include block I/O, WAL, and JIT details")
	f.BoolVar(&flagFullText, "full-text", false,
		"print full query text instead of a one-line excerpt")
}

func runDump(cmd *cobra.Command, args []string) error {
	rows, global, err := sspersist.ReadSnapshotFile(args[0])
	if err != nil {
		return err
	}
	if rows == nil {
		fmt.Println("no snapshot data")
		return nil
	}

	sortRows(rows, flagSortBy)
	if flagTop > 0 && flagTop < len(rows) {
		rows = rows[:flagTop]
	}

	fmt.Printf("statements: %d   eviction sweeps: %d   last reset: %s\n\n",
		len(rows), global.EvictionCount, global.LastReset.Format(time.RFC3339))

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tDB\tFINGERPRINT\tTOP\tCALLS\tTOTAL\tMEAN\tMIN\tMAX\tROWS\tQUERY")
	for _, row := range rows {
		exec := &row.Stats.Exec
		fmt.Fprintf(tw, "%d\t%d\t%x\t%v\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Key.UserID,
			row.Key.DatabaseID,
			uint64(row.Key.FingerprintID),
			row.Key.TopLevel,
			humanize.Comma(exec.Count),
			fmtLat(exec.TotalLat),
			fmtLat(exec.Lat.Mean),
			fmtLat(exec.MinLat),
			fmtLat(exec.MaxLat),
			humanize.Comma(row.Stats.Rows),
			excerpt(row.Query),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if flagVerbose {
		for _, row := range rows {
			printDetail(row)
		}
	}
	return nil
}

func sortRows(rows []*stmtstatspb.CollectedStatementStatistics, by string) {
	var less func(a, b *stmtstatspb.CollectedStatementStatistics) bool
	switch by {
	case "calls":
		less = func(a, b *stmtstatspb.CollectedStatementStatistics) bool {
			return a.Stats.Exec.Count > b.Stats.Exec.Count
		}
	case "rows":
		less = func(a, b *stmtstatspb.CollectedStatementStatistics) bool {
			return a.Stats.Rows > b.Stats.Rows
		}
	case "usage":
		less = func(a, b *stmtstatspb.CollectedStatementStatistics) bool {
			return a.Usage > b.Usage
		}
	default:
		less = func(a, b *stmtstatspb.CollectedStatementStatistics) bool {
			return a.Stats.Exec.TotalLat > b.Stats.Exec.TotalLat
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}

func printDetail(row *stmtstatspb.CollectedStatementStatistics) {
	fmt.Printf("\nfingerprint %x (user %d, db %d):\n",
		uint64(row.Key.FingerprintID), row.Key.UserID, row.Key.DatabaseID)
	if row.Tag != "" {
		fmt.Printf("  tag: %s\n", row.Tag)
	}
	if row.Stats.Plan.Count > 0 {
		fmt.Printf("  planning: %s calls, %s total, %s mean\n",
			humanize.Comma(row.Stats.Plan.Count),
			fmtLat(row.Stats.Plan.TotalLat),
			fmtLat(row.Stats.Plan.Lat.Mean))
	}
	b := &row.Stats.Blocks
	fmt.Printf("  shared blocks: %s hit, %s read, %s dirtied, %s written\n",
		humanize.Comma(b.SharedBlksHit), humanize.Comma(b.SharedBlksRead),
		humanize.Comma(b.SharedBlksDirtied), humanize.Comma(b.SharedBlksWritten))
	if b.TempBlksRead > 0 || b.TempBlksWritten > 0 {
		fmt.Printf("  temp blocks: %s read, %s written\n",
			humanize.Comma(b.TempBlksRead), humanize.Comma(b.TempBlksWritten))
	}
	w := &row.Stats.WAL
	if w.Records > 0 {
		fmt.Printf("  wal: %s records, %s fpi, %s\n",
			humanize.Comma(w.Records), humanize.Comma(w.FPI), humanize.Bytes(w.Bytes))
	}
	j := &row.Stats.JIT
	if j.Functions > 0 {
		fmt.Printf("  jit: %s functions, %s generation\n",
			humanize.Comma(j.Functions), fmtLat(j.GenerationLat))
	}
	p := &row.Stats.Parallel
	if p.WorkersToLaunch > 0 {
		fmt.Printf("  parallel workers: %s planned, %s launched\n",
			humanize.Comma(p.WorkersToLaunch), humanize.Comma(p.WorkersLaunched))
	}
	fmt.Printf("  stats since: %s\n", row.StatsSince.Format(time.RFC3339))
	if flagFullText {
		fmt.Printf("  query:\n%s\n", row.Query)
	}
}

// fmtLat renders a latency recorded in seconds with enough precision to
// keep sub-millisecond values readable.
func fmtLat(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).Round(time.Microsecond).String()
}

const excerptLen = 60

func excerpt(query string) string {
	oneline := make([]byte, 0, len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\n' || c == '\t' || c == '\r' {
			c = ' '
		}
		oneline = append(oneline, c)
	}
	if flagFullText || len(oneline) <= excerptLen {
		return string(oneline)
	}
	return string(oneline[:excerptLen-3]) + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
