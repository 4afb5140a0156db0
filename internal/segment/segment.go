// Package segment splits lint findings and renderer error streams into
// independently fixable issues.
package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// Kind identifies where an issue came from.
type Kind string

const (
	KindLint   Kind = "lint"
	KindRender Kind = "render"
	// KindGuard issues come from checks the pipeline runs itself, such as
	// rewriting LaTeX usage when no TeX installation is present.
	KindGuard Kind = "guard"
)

// Issue is one addressable unit of failure handed to the fix dispatcher.
type Issue struct {
	Kind    Kind                          `json:"kind"`
	Summary string                        `json:"summary"`
	Lint    *pipeline.LintIssue           `json:"lint,omitempty"`
	Segment *pipeline.RuntimeErrorSegment `json:"segment,omitempty"`
}

// Description is the full issue text given to a repair agent.
func (i Issue) Description() string {
	switch i.Kind {
	case KindLint:
		if i.Lint != nil {
			return "Linter finding: " + i.Lint.String()
		}
	case KindRender:
		if i.Segment != nil {
			return fmt.Sprintf("Runtime error while rendering (%s):\n%s", i.Segment.Summary, strings.TrimRight(i.Segment.Raw, "\n"))
		}
	}
	return i.Summary
}

// Lint turns each finding of a dirty lint result into one issue, keeping the
// tool's order. A clean result yields nothing.
func Lint(res pipeline.LintResult) []Issue {
	if res.OK {
		return nil
	}
	issues := make([]Issue, 0, len(res.Issues))
	for i := range res.Issues {
		li := res.Issues[i]
		issues = append(issues, Issue{
			Kind:    KindLint,
			Summary: fmt.Sprintf("%s line %d: %s", li.Rule, li.Line, li.Message),
			Lint:    &li,
		})
	}
	return issues
}

// Render splits a renderer's error stream into issues, one per segment.
func Render(stderr string) []Issue {
	segs := Segments(stderr)
	issues := make([]Issue, 0, len(segs))
	for i := range segs {
		s := segs[i]
		issues = append(issues, Issue{Kind: KindRender, Summary: s.Summary, Segment: &s})
	}
	return issues
}

var (
	tracebackRe = regexp.MustCompile(`Traceback \(most recent call last\)`)
	// A level header starts its line, optionally after a bracketed timestamp.
	levelRe     = regexp.MustCompile(`^(?:\[[^\]]*\]\s*)?(?:ERROR|CRITICAL|FATAL)\b`)
	chainRe     = regexp.MustCompile(`^(During handling of the above exception|The above exception was the direct cause)`)
	exceptionRe = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt)|[A-Z][\w.]*Error)\b:?`)
)

const maxSummaryRunes = 200

// Segments splits text into blocks, each starting at a failure marker. Text
// before the first marker belongs to the first block; text with no marker is
// one block. The blocks' Raw fields concatenate back to text exactly.
func Segments(text string) []pipeline.RuntimeErrorSegment {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lines := strings.SplitAfter(text, "\n")
	var starts []int
	// headerOpen is true while the current block began at a log-level header
	// and has not yet seen its traceback.
	headerOpen := false
	lastContent := ""
	for i, line := range lines {
		clean := strings.TrimSpace(stripBox(line))
		switch {
		case tracebackRe.MatchString(line):
			chained := chainRe.MatchString(lastContent)
			if !headerOpen && !chained {
				starts = append(starts, i)
			}
			headerOpen = false
		case levelRe.MatchString(clean) && !exceptionRe.MatchString(clean):
			starts = append(starts, i)
			headerOpen = true
		}
		if clean != "" {
			lastContent = clean
		}
	}

	if len(starts) == 0 {
		return []pipeline.RuntimeErrorSegment{newSegment(text)}
	}
	// Preamble joins the first block.
	starts[0] = 0

	segs := make([]pipeline.RuntimeErrorSegment, 0, len(starts))
	for n, start := range starts {
		end := len(lines)
		if n+1 < len(starts) {
			end = starts[n+1]
		}
		segs = append(segs, newSegment(strings.Join(lines[start:end], "")))
	}
	return segs
}

func newSegment(raw string) pipeline.RuntimeErrorSegment {
	return pipeline.RuntimeErrorSegment{Raw: raw, Summary: Summarize(raw)}
}

// Summarize derives a one-line summary of a block: its last exception line,
// else its first non-empty line.
func Summarize(raw string) string {
	var first, exception string
	for _, line := range strings.Split(raw, "\n") {
		clean := strings.TrimSpace(stripBox(line))
		if clean == "" {
			continue
		}
		if first == "" {
			first = clean
		}
		if exceptionRe.MatchString(clean) {
			exception = clean
		}
	}
	s := exception
	if s == "" {
		s = first
	}
	return truncateRunes(s, maxSummaryRunes)
}

// stripBox drops box-drawing characters used by rich tracebacks.
func stripBox(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0x2500 && r <= 0x257F {
			return -1
		}
		return r
	}, s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
