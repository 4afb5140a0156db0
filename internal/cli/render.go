package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/scenefactory/internal/analytics"
	"github.com/lucasnoah/scenefactory/internal/db"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleFail   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleActive = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleHeader = lipgloss.NewStyle().Bold(true).Underline(true)
)

// badge colors a run status.
func badge(status string) string {
	switch status {
	case "ok":
		return styleOK.Render(status)
	case db.RunStatusRunning:
		return styleActive.Render(status)
	default:
		return styleFail.Render(status)
	}
}

// writeSummary prints the outcome of one run for a terminal.
func writeSummary(w io.Writer, o runOutcome) {
	res := o.Result
	if res == nil {
		fmt.Fprintf(w, "%s %v\n", styleFail.Render("error"), o.Err)
		return
	}
	fmt.Fprintf(w, "%s run %s (%s)\n", badge(res.Status()), res.RunID, res.Duration.Round(time.Second))
	if res.Upgraded != nil {
		fmt.Fprintf(w, "  title:      %s\n", res.Upgraded.Title)
	}
	fmt.Fprintf(w, "  fix passes: %d (lint %d/%d, render %d/%d)\n", res.FixPasses,
		res.Budgets.Lint.Used, res.Budgets.Lint.Max, res.Budgets.Render.Used, res.Budgets.Render.Max)
	if res.VideoPath != "" {
		fmt.Fprintf(w, "  video:      %s\n", res.VideoPath)
	}
	if o.Published != "" {
		fmt.Fprintf(w, "  published:  %s\n", o.Published)
	}
	if res.SessionDir != "" {
		fmt.Fprintf(w, "  session:    %s\n", styleDim.Render(res.SessionDir))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error:      %s\n", res.Error)
	}
	for _, issue := range res.LintIssues {
		fmt.Fprintf(w, "  lint:       %s\n", issue)
	}
	for _, seg := range res.RuntimeErrors {
		fmt.Fprintf(w, "  runtime:    %s\n", seg.Summary)
	}
}

// writeRunsTable prints one line per run.
func writeRunsTable(w io.Writer, runs []db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	fmt.Fprintf(w, "%s\n", styleHeader.Render(fmt.Sprintf("%-36s %-24s %-6s %-20s %s", "RUN", "STATUS", "FIXES", "STARTED", "TITLE")))
	for _, r := range runs {
		title := r.Title
		if title == "" {
			title = r.Prompt
		}
		title = truncateTitle(title, 40)
		// Pad before styling so ANSI codes do not break alignment.
		status := badge(r.Status) + strings.Repeat(" ", max(0, 24-len(r.Status)))
		fmt.Fprintf(w, "%-36s %s %-6d %-20s %s\n", r.ID, status, r.FixPasses, shortTime(r.StartedAt), title)
	}
}

// writeResultsTable prints runs read from result.json files.
func writeResultsTable(w io.Writer, results []pipeline.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	fmt.Fprintf(w, "%s\n", styleHeader.Render(fmt.Sprintf("%-36s %-24s %-6s %-20s %s", "RUN", "STATUS", "FIXES", "STARTED", "TITLE")))
	for _, r := range results {
		title := ""
		if r.Upgraded != nil {
			title = truncateTitle(r.Upgraded.Title, 40)
		}
		status := badge(r.Status()) + strings.Repeat(" ", max(0, 24-len(r.Status())))
		fmt.Fprintf(w, "%-36s %s %-6d %-20s %s\n", r.RunID, status, r.FixPasses, r.StartedAt.UTC().Format("2006-01-02 15:04:05"), title)
	}
}

func writeEvents(w io.Writer, events []db.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-16s %-8s %s\n", styleDim.Render(shortTime(e.Timestamp)), e.Event, e.Stage, e.Detail)
	}
}

func writeStats(w io.Writer, s *analytics.Summary) {
	fmt.Fprintln(w, styleHeader.Render("Outcomes"))
	if len(s.Outcomes) == 0 {
		fmt.Fprintln(w, "  no finished runs")
	}
	for _, o := range s.Outcomes {
		fmt.Fprintf(w, "  %-24s %4d  %5.1f%%\n", o.Status, o.Count, o.Pct)
	}

	fp := s.FixPasses
	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeader.Render("Fix passes"))
	fmt.Fprintf(w, "  runs %d, avg %.1f\n", fp.Total, fp.Avg)
	fmt.Fprintf(w, "  0: %.1f%%  1: %.1f%%  2: %.1f%%  3+: %.1f%%\n", fp.Zero, fp.One, fp.Two, fp.ThreePlus)

	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeader.Render("Durations (s)"))
	for _, d := range s.Durations {
		fmt.Fprintf(w, "  %-24s n=%-4d avg %-7.1f p50 %-7.1f p95 %.1f\n", d.Status, d.Count, d.Avg, d.P50, d.P95)
	}
}

// resultMarkdown describes a run as markdown for `runs show`.
func resultMarkdown(run *db.Run, res *pipeline.Result) string {
	var b strings.Builder
	id := ""
	switch {
	case res != nil:
		id = res.RunID
	case run != nil:
		id = run.ID
	}
	fmt.Fprintf(&b, "# Run %s\n\n", id)

	if run != nil {
		fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
		fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt)
		if run.Published != "" {
			fmt.Fprintf(&b, "- **Published:** `%s`\n", run.Published)
		}
		fmt.Fprintf(&b, "\n## Prompt\n\n%s\n\n", run.Prompt)
	} else if res != nil {
		fmt.Fprintf(&b, "- **Status:** %s\n", res.Status())
		fmt.Fprintf(&b, "- **Started:** %s\n\n", res.StartedAt.UTC().Format(time.RFC3339))
	}
	if res == nil {
		return b.String()
	}

	if res.Upgraded != nil {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", res.Upgraded.Title, res.Upgraded.Description)
		for _, c := range res.Upgraded.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Budgets\n\n| loop | used | max |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| lint | %d | %d |\n", res.Budgets.Lint.Used, res.Budgets.Lint.Max)
	fmt.Fprintf(&b, "| render | %d | %d |\n", res.Budgets.Render.Used, res.Budgets.Render.Max)
	if t := res.Budgets.Total; t != nil {
		fmt.Fprintf(&b, "| total | %d | %d |\n", t.Used, t.Max)
	}
	fmt.Fprintf(&b, "\nFix passes: %d, duration %s\n\n", res.FixPasses, res.Duration.Round(time.Second))

	if res.Error != "" {
		fmt.Fprintf(&b, "## Error\n\n```\n%s\n```\n\n", res.Error)
	}
	if len(res.LintIssues) > 0 {
		b.WriteString("## Lint issues\n\n")
		for _, i := range res.LintIssues {
			fmt.Fprintf(&b, "- `%s`\n", i)
		}
		b.WriteString("\n")
	}
	if len(res.RuntimeErrors) > 0 {
		b.WriteString("## Runtime errors\n\n")
		for _, s := range res.RuntimeErrors {
			fmt.Fprintf(&b, "- %s\n", s.Summary)
		}
		b.WriteString("\n")
	}
	if len(res.Unresolved) > 0 {
		b.WriteString("## Unresolved fixes\n\n")
		for _, u := range res.Unresolved {
			fmt.Fprintf(&b, "- pass %d: %s (%s)\n", u.Pass, u.Issue, u.Reason)
		}
		b.WriteString("\n")
	}
	if len(res.Trace) > 0 {
		b.WriteString("## Trace\n\n")
		for _, t := range res.Trace {
			fmt.Fprintf(&b, "- `%s` **%s** %s\n", t.Time.UTC().Format("15:04:05"), t.Stage, t.Message)
		}
		b.WriteString("\n")
	}
	if res.Code.Source != "" {
		fmt.Fprintf(&b, "## Scene `%s` (v%d)\n\n```python\n%s```\n", res.Code.SceneName, res.Code.Version, res.Code.Source)
	}
	return b.String()
}

// renderMarkdown styles md for the terminal, or returns it unchanged when
// plain is set or the renderer fails.
func renderMarkdown(md string, plain bool) string {
	if plain {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func truncateTitle(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// shortTime trims an RFC3339 timestamp to seconds for tables.
func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
