package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"netphys.dev/internal/diag"
)

// summary aggregates a diagnostics stream per kind.
type summary struct {
	counts   map[diag.Kind]int64
	maxValue map[diag.Kind]float64
	first    time.Time
	last     time.Time
	events   int64
}

func newSummary() *summary {
	return &summary{counts: make(map[diag.Kind]int64), maxValue: make(map[diag.Kind]float64)}
}

func (s *summary) add(ev diag.Event) {
	s.events++
	s.counts[ev.Kind]++
	if v, ok := s.maxValue[ev.Kind]; !ok || ev.Value > v {
		s.maxValue[ev.Kind] = ev.Value
	}
	if s.first.IsZero() || ev.Time.Before(s.first) {
		s.first = ev.Time
	}
	if ev.Time.After(s.last) {
		s.last = ev.Time
	}
}

func (s *summary) write(out io.Writer) {
	kinds := make([]diag.Kind, 0, len(s.counts))
	for k := range s.counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	fmt.Fprintf(out, "events=%d from=%s to=%s\n", s.events, s.first.Format(time.RFC3339), s.last.Format(time.RFC3339))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCOUNT\tMAX VALUE")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\t%.4f\n", k, s.counts[k], s.maxValue[k])
	}
	_ = tw.Flush()
}

func main() {
	var (
		eventsDir = flag.String("events", "./data/diag", "dir containing diag-*.jsonl.zst")
		dbPath    = flag.String("sqlite", "", "diag index to cross-check (optional)")
		kind      = flag.String("kind", "", "only count this event kind (optional)")
	)
	flag.Parse()

	files, err := diag.ListFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no diag files found in", *eventsDir)
		os.Exit(1)
	}

	sum := newSummary()
	for _, path := range files {
		err := diag.ReadJSONL(path, func(ev diag.Event) error {
			if *kind != "" && string(ev.Kind) != *kind {
				return nil
			}
			sum.add(ev)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	sum.write(os.Stdout)

	if *dbPath == "" {
		return
	}
	idx, err := diag.OpenSQLite(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer idx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := idx.Counts(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "index counts:", err)
		os.Exit(1)
	}
	mismatches := 0
	for k, n := range sum.counts {
		if counts[k] != n {
			fmt.Printf("index mismatch kind=%s files=%d index=%d\n", k, n, counts[k])
			mismatches++
		}
	}
	if mismatches > 0 {
		os.Exit(1)
	}
	fmt.Printf("index ok: %d kinds\n", len(sum.counts))
}
