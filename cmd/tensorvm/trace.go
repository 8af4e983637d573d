// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/internal/trace"
)

// opStat summarizes the durations of the instructions of one op.
type opStat struct {
	op       string
	count    int
	total    time.Duration
	min, max time.Duration
	q1       time.Duration
	q2       time.Duration
	q3       time.Duration
}

func traceCmd(args []string) error {
	flags := flag.NewFlagSet("tensorvm trace", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tensorvm trace tracefile\n")
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		flags.Usage()
	}
	f, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	var t trace.T
	if err := t.Decode(f); err != nil {
		return errors.E(errors.Invalid, "decoding trace", err)
	}
	writeOpStats(os.Stdout, buildOpStats(t.Events))
	return nil
}

// buildOpStats computes per-op statistics of the complete
// instruction events, ordered by descending total duration.
func buildOpStats(events []trace.Event) []opStat {
	durations := make(map[string][]time.Duration)
	for _, event := range events {
		if event.Cat != "instruction" || event.Ph != "X" {
			continue
		}
		durations[event.Name] = append(durations[event.Name], time.Duration(event.Dur)*time.Microsecond)
	}
	stats := make([]opStat, 0, len(durations))
	for op, ds := range durations {
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		s := opStat{op: op, count: len(ds), min: ds[0], max: ds[len(ds)-1]}
		for _, d := range ds {
			s.total += d
		}
		s.q1, s.q2, s.q3 = computeQuartiles(ds)
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].total != stats[j].total {
			return stats[i].total > stats[j].total
		}
		return stats[i].op < stats[j].op
	})
	return stats
}

func writeOpStats(w io.Writer, stats []opStat) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "op\tcount\ttotal\tmin\tq1\tq2\tq3\tmax")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.op, s.count, s.total, s.min, s.q1, s.q2, s.q3, s.max)
	}
	tw.Flush()
}
