package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/heirloom/internal/engine"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/store"
)

func when(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

func printReport(cmd *cobra.Command, rep engine.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "refresh: %d pulled, %d pushed, %d conflicts\n", rep.Refresh.Pulled, rep.Refresh.Pushed, rep.Refresh.Conflicts)
	for _, it := range rep.Released {
		fmt.Fprintf(out, "released %s (%s)\n", it.ID, it.Policy)
	}
	for _, it := range rep.Heartbeat {
		fmt.Fprintf(out, "released %s (weekly heartbeat)\n", it.ID)
	}
	for _, g := range rep.Guardian {
		switch {
		case g.GraceStarted:
			fmt.Fprintln(out, "guardian: grace period started")
		case g.Released != nil:
			fmt.Fprintf(out, "released %s (guardian)\n", g.Released.ID)
		}
	}
	n := rep.ReleasedCount()
	fmt.Fprintf(out, "%s released\n", humanize.Comma(int64(n))+" "+plural(n, "item", "items"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func printItem(cmd *cobra.Command, it store.Item) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %-22s  %s  to:%s  created %s\n",
		it.ID, release.StateOf(it), it.Policy, it.ContentRef,
		strings.Join(it.Recipients, ","), humanize.Time(it.CreatedAt))
}

func printRecipient(cmd *cobra.Command, r store.Recipient) {
	born := "-"
	if r.BirthDate != nil {
		born = r.BirthDate.Format(time.DateOnly)
	}
	hb := "off"
	if r.HeartbeatsEnabled {
		hb = "on, last release " + when(r.HeartbeatsLastReleaseDate)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s  born %s  heartbeats %s\n", r.ID, r.Name, born, hb)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return &t, nil
}
