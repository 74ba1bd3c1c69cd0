package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/preflight"
)

var (
	colorPass  = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail  = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}

	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
}

func phaseStatusStyle(s checkpoint.PhaseStatus) lipgloss.Style {
	switch s {
	case checkpoint.PhaseStatusSucceeded:
		return passStyle
	case checkpoint.PhaseStatusFailed:
		return failStyle
	case checkpoint.PhaseStatusSkipped:
		return mutedStyle
	default:
		return warnStyle
	}
}

func runStateStyle(s checkpoint.RunState) lipgloss.Style {
	switch s {
	case checkpoint.RunStateCompleted:
		return passStyle
	case checkpoint.RunStateAborted:
		return failStyle
	default:
		return warnStyle
	}
}

// renderSummary prints a run summary as a phase table followed by the
// outcome line.
func renderSummary(w io.Writer, s *engine.RunSummary) error {
	if jsonOutput {
		return writeJSON(w, s)
	}

	t := newTable("PHASE", "STATUS", "DECISION", "DETAIL", "TIME")
	for _, p := range s.Phases {
		elapsed := ""
		if p.Duration > 0 {
			elapsed = p.Duration.Round(time.Millisecond).String()
		}
		detail := p.Detail
		if p.Error != "" {
			detail = p.Error
		}
		t.Row(p.Name, phaseStatusStyle(p.Status).Render(string(p.Status)), p.Decision, truncate(detail, 60), elapsed)
	}
	fmt.Fprintln(w, t.Render())

	title := "Run " + s.RunID
	if s.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "%s: %s\n", title, runStateStyle(s.State).Render(string(s.State)))
	fmt.Fprintf(w, "  %d succeeded, %d failed, %d skipped, %d pending of %d phases\n",
		s.Succeeded, s.Failed, s.Skipped, s.Pending, s.Total)

	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s %s: %s\n", failStyle.Render("✗"), f.Phase, f.Cause)
	}
	switch {
	case s.RebootRequired:
		fmt.Fprintf(w, "%s the run resumes at %s after the host restarts\n", warnStyle.Render("↻"), s.ResumePhase)
	case s.State == checkpoint.RunStateAborted && s.ResumePhase != "":
		fmt.Fprintf(w, "  rerun with --run-id %s to retry %s\n", s.RunID, s.ResumePhase)
	}
	return nil
}

// renderPreflight prints the safeguard checks of a preflight evaluation.
func renderPreflight(w io.Writer, res *preflight.Result) error {
	if jsonOutput {
		return writeJSON(w, res)
	}

	t := newTable("CHECK", "RESULT", "MESSAGE")
	for _, c := range res.Checks {
		var style lipgloss.Style
		switch c.Outcome {
		case preflight.OutcomePass:
			style = passStyle
		case preflight.OutcomeWarn:
			style = warnStyle
		default:
			style = failStyle
		}
		msg := c.Message
		if c.Remediation != "" {
			msg += "\n" + mutedStyle.Render(c.Remediation)
		}
		t.Row(c.Name, style.Render(string(c.Outcome)), msg)
	}
	fmt.Fprintln(w, t.Render())

	snap := res.Snapshot
	fmt.Fprintf(w, "Free space on %s: %s\n", snap.Volume, humanize.IBytes(snap.FreeBytes))
	if res.Passed() {
		fmt.Fprintln(w, passStyle.Render("Preflight passed"))
	} else {
		fmt.Fprintln(w, failStyle.Render("Preflight failed"))
	}
	return nil
}

// renderManifest prints the entries of a backup.
func renderManifest(w io.Writer, m *backup.Manifest, dryRun bool) error {
	if jsonOutput {
		return writeJSON(w, m)
	}

	t := newTable("PATH", "STATUS", "FILES", "SIZE", "ERROR")
	var total int64
	for _, e := range m.Entries {
		style := passStyle
		switch e.Status {
		case backup.EntrySkipped:
			style = mutedStyle
		case backup.EntryFailed:
			style = failStyle
		}
		total += e.Bytes
		t.Row(e.Path, style.Render(string(e.Status)), fmt.Sprint(e.Files), humanize.IBytes(uint64(e.Bytes)), e.Error)
	}
	fmt.Fprintln(w, t.Render())

	verb := "Backed up"
	if dryRun {
		verb = "Would back up"
	}
	fmt.Fprintf(w, "%s %s to %s (%d copied, %d skipped, %d failed)\n",
		verb, humanize.IBytes(uint64(total)), m.Dir, m.Tally.Copied, m.Tally.Skipped, m.Tally.Failed)
	return nil
}

// renderRestore prints a restore summary.
func renderRestore(w io.Writer, s *backup.RestoreSummary) error {
	if jsonOutput {
		return writeJSON(w, s)
	}

	if len(s.Items) > 0 {
		t := newTable("ITEM", "OUTCOME", "SIZE", "ERROR")
		for _, item := range s.Items {
			style := passStyle
			switch item.Outcome {
			case backup.ItemFailed:
				style = failStyle
			case backup.ItemSkipped, backup.ItemNotSelected:
				style = mutedStyle
			}
			t.Row(item.Path, style.Render(string(item.Outcome)), humanize.IBytes(uint64(item.Bytes)), item.Error)
		}
		fmt.Fprintln(w, t.Render())
	}

	fmt.Fprintf(w, "%s from %s: %d restored, %d failed, %d skipped, %d not selected of %d items\n",
		s.Mode, s.Dir, s.Successful, s.Failed, s.Skipped, s.NotSelected, s.TotalItems)
	if !s.Integrity.OK() {
		fmt.Fprintln(w, failStyle.Render("Integrity issues:"))
		for _, issue := range s.Integrity.Issues {
			fmt.Fprintf(w, "  %s\n", issue)
		}
	}
	if s.ReportPath != "" {
		fmt.Fprintf(w, "Report written to %s\n", s.ReportPath)
	}
	return nil
}

// renderRuns lists recorded runs.
func renderRuns(w io.Writer, runs []*checkpoint.Checkpoint) error {
	if jsonOutput {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No recorded runs")
		return nil
	}

	t := newTable("RUN", "STATE", "RESUME AT", "UPDATED")
	for _, cp := range runs {
		t.Row(cp.RunID, runStateStyle(cp.State).Render(string(cp.State)), cp.PendingResumePhase, humanize.Time(cp.UpdatedAt))
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func renderRollback(w io.Writer, r *engine.RollbackReport) error {
	if jsonOutput {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Rollback of %s\n", r.RunID)
	fmt.Fprintf(w, "  temporary account removed: %t\n", r.CredentialRemoved)
	fmt.Fprintf(w, "  continuation cleared:      %t\n", r.ContinuationCleared)
	if r.RestoredFrom != "" {
		fmt.Fprintf(w, "  restored %d items from %s\n", r.RestoredItems, r.RestoredFrom)
	}
	for _, n := range r.Notes {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("!"), n)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
