// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/shellbe/shellbe/internal/profile"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		name   string
		since  string
		until  string
		limit  int
		stats  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show connection history or per-profile statistics",
		Long: `Show connection history, oldest first.

--since and --until accept an RFC 3339 timestamp, a date (2006-01-02),
or a duration meaning "that long ago" (90m, 24h).`,
		Example: `  shellbe history --profile work-server --since 24h
  shellbe history --stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			now := time.Now()
			q := profile.HistoryQuery{Limit: limit}
			if q.Since, err = parseWhen(since, now); err != nil {
				return err
			}
			if q.Until, err = parseWhen(until, now); err != nil {
				return err
			}
			if name != "" {
				// Aliases resolve; names of deleted profiles still match their history.
				if p, err := st.Resolve(name); err == nil {
					q.Profile = p.Name
				} else {
					q.Profile = name
				}
			}

			out := cmd.OutOrStdout()
			if stats {
				all, err := st.Stats(q)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, all)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PROFILE\tCONNECTIONS\tSUCCESS\tFAILED\tAVG DURATION\tLAST")
				for _, s := range all {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", s.Profile, s.Connections, s.Successes, s.Failures,
						s.AverageDuration().Round(time.Second), s.LastConnection.Local().Format(time.DateTime))
				}
				return tw.Flush()
			}

			entries, err := st.History(q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no history")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPROFILE\tHOST\tOUTCOME\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime),
					e.ProfileName, e.Host, e.Outcome, e.Duration.Round(time.Second))
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVarP(&name, "profile", "p", "", "only this profile (or alias)")
	f.StringVar(&since, "since", "", "only entries at or after this time")
	f.StringVar(&until, "until", "", "only entries before this time")
	f.IntVarP(&limit, "limit", "n", 0, "only the most recent N entries")
	f.BoolVar(&stats, "stats", false, "show per-profile statistics")
	f.BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// parseWhen reads a time bound. Empty means unbounded.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, oops.In("cli").With("value", s).
		Errorf("invalid time %q: want RFC 3339, YYYY-MM-DD or a duration like 24h", s)
}
