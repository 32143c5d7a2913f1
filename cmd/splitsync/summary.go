package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/splitsync/internal/syncer"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	bold      = lipgloss.NewStyle().Bold(true)
)

// writeSummary prints a finalized report for humans.
func writeSummary(w io.Writer, rep *syncer.SyncReport) {
	title := "Sync"
	if rep.DryRun {
		title = "Dry run"
	}
	fmt.Fprintf(w, "%s %s %s in %s\n",
		bold.Render(title),
		gray.Render(shortID(rep.RunID)),
		cyan.Render(string(rep.Direction)),
		rep.Duration().Round(time.Millisecond),
	)

	for _, sr := range rep.Splits {
		c := sr.Counts
		line := fmt.Sprintf("  %-6s %s transferred  %s deleted  %s skipped  %s conflicts  %s failed",
			sr.Split,
			green.Render(fmt.Sprint(c.Transferred)),
			fmt.Sprint(c.Deleted),
			lightGray.Render(fmt.Sprint(c.Skipped)),
			yellow.Render(fmt.Sprint(c.Conflicts)),
			failedStyle(c.Failed).Render(fmt.Sprint(c.Failed)),
		)
		if c.Bytes > 0 {
			line += "  " + gray.Render(humanize.Bytes(uint64(c.Bytes)))
		}
		fmt.Fprintln(w, line)

		for _, a := range sr.Planned {
			fmt.Fprintf(w, "    %s %s\n", cyan.Render("~"), a)
		}
		for _, msg := range sr.Warnings {
			fmt.Fprintf(w, "    %s %s\n", yellow.Render("!"), msg)
		}
		for _, r := range sr.Failures() {
			fmt.Fprintf(w, "    %s %s: %s\n", red.Render("x"), r.Action, r.Error)
		}
		for _, r := range sr.Results {
			if r.Action.Conflict {
				fmt.Fprintf(w, "    %s %s/%s %s\n", yellow.Render("?"), r.Action.Split, r.Action.Name, r.Action.Reason)
			}
		}
	}

	for _, be := range rep.BackendErrors {
		where := string(be.Store)
		if be.Split != "" {
			where += "/" + string(be.Split)
		}
		fmt.Fprintf(w, "  %s %s %s: %s\n", red.Render("backend"), where, be.Kind, be.Error)
	}

	switch {
	case rep.DryRun:
		fmt.Fprintln(w, gray.Render("no changes were made"))
	case rep.Converged():
		fmt.Fprintln(w, green.Render("converged"))
	default:
		fmt.Fprintln(w, red.Render("not converged"))
	}
}

// writeHistory prints recent runs, newest first.
func writeHistory(w io.Writer, runs []syncer.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, gray.Render("no runs recorded yet"))
		return
	}
	for _, r := range runs {
		state := green.Render("converged")
		if !r.Converged {
			state = red.Render("not converged")
		}
		if r.DryRun {
			state = gray.Render("dry run")
		}
		fmt.Fprintf(w, "%s  %-13s %-10s %s  %d transferred, %d deleted, %d conflicts, %d failed  %s\n",
			gray.Render(shortID(r.RunID)),
			humanize.Time(r.Started()),
			r.Direction,
			state,
			r.Transferred, r.Deleted, r.Conflicts, r.Failed,
			lightGray.Render(humanize.Bytes(uint64(r.Bytes))),
		)
	}
}

func writeFailures(w io.Writer, failures []syncer.FailureRecord) {
	for _, f := range failures {
		fmt.Fprintf(w, "  %s %s %s/%s %s->%s after %d attempts: %s\n",
			red.Render("x"), f.Kind, f.Split, f.Name, f.Source, f.Target, f.Attempts,
			strings.TrimSpace(f.Error),
		)
	}
}

func failedStyle(n int) lipgloss.Style {
	if n > 0 {
		return red
	}
	return lightGray
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
