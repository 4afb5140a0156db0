package segment

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

const twoTracebacks = `Manim Community v0.18.1

Traceback (most recent call last):
  File "scene.py", line 12, in construct
    self.play(Create(circel))
NameError: name 'circel' is not defined
Traceback (most recent call last):
  File "scene.py", line 20, in construct
    self.wait(-1)
ValueError: wait duration must be positive
`

func joinRaw(segs []pipeline.RuntimeErrorSegment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Raw)
	}
	return b.String()
}

func TestSegments_TwoTracebacks(t *testing.T) {
	segs := Segments(twoTracebacks)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segs), segs)
	}
	if !strings.HasPrefix(segs[0].Raw, "Manim Community") {
		t.Errorf("preamble should join the first segment: %q", segs[0].Raw)
	}
	if segs[0].Summary != "NameError: name 'circel' is not defined" {
		t.Errorf("summary[0] = %q", segs[0].Summary)
	}
	if segs[1].Summary != "ValueError: wait duration must be positive" {
		t.Errorf("summary[1] = %q", segs[1].Summary)
	}
	if got := joinRaw(segs); got != twoTracebacks {
		t.Errorf("segments do not reconstruct input:\n%s", cmp.Diff(twoTracebacks, got))
	}
}

func TestSegments_NoMarker(t *testing.T) {
	in := "something odd happened\nexit status 1\n"
	segs := Segments(in)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Raw != in {
		t.Errorf("raw = %q", segs[0].Raw)
	}
	if segs[0].Summary != "something odd happened" {
		t.Errorf("summary = %q", segs[0].Summary)
	}
}

func TestSegments_Empty(t *testing.T) {
	for _, in := range []string{"", "   \n\t\n"} {
		if segs := Segments(in); len(segs) != 0 {
			t.Errorf("Segments(%q) = %d segments, want 0", in, len(segs))
		}
	}
}

func TestSegments_LogHeaderOwnsItsTraceback(t *testing.T) {
	in := `[10/18/26 10:00:00] ERROR    Rendering failed
╭──────── Traceback (most recent call last) ────────╮
│ scene.py:5 in construct                           │
╰───────────────────────────────────────────────────╯
TypeError: Circle.__init__() got an unexpected keyword argument 'radus'
[10/18/26 10:00:01] CRITICAL Could not write partial movie file
`
	segs := Segments(in)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segs), segs)
	}
	if !strings.Contains(segs[0].Raw, "TypeError") {
		t.Errorf("traceback should stay with its ERROR header: %q", segs[0].Raw)
	}
	if segs[0].Summary != "TypeError: Circle.__init__() got an unexpected keyword argument 'radus'" {
		t.Errorf("summary = %q", segs[0].Summary)
	}
	if joinRaw(segs) != in {
		t.Error("segments do not reconstruct input")
	}
}

func TestSegments_LevelWordInsideMessageIsNotAHeader(t *testing.T) {
	in := "Traceback (most recent call last):\n" +
		"  File \"scene.py\", line 3, in construct\n" +
		"    x()\n" +
		"ValueError: ERROR in config\n" +
		"    note: FATAL flag was set\n"
	segs := Segments(in)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d: %+v", len(segs), segs)
	}
	if segs[0].Summary != "ValueError: ERROR in config" {
		t.Errorf("summary = %q", segs[0].Summary)
	}
	if issues := Render(in); len(issues) != 1 {
		t.Errorf("expected one issue to repair, got %d", len(issues))
	}
}

func TestSegments_ChainedTracebackIsOneSegment(t *testing.T) {
	in := `Traceback (most recent call last):
  File "a.py", line 1
KeyError: 'x'

During handling of the above exception, another exception occurred:

Traceback (most recent call last):
  File "a.py", line 3
RuntimeError: boom
`
	segs := Segments(in)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Summary != "RuntimeError: boom" {
		t.Errorf("summary = %q", segs[0].Summary)
	}
}

func TestSegments_Deterministic(t *testing.T) {
	a := Segments(twoTracebacks)
	b := Segments(twoTracebacks)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("segmentation is not deterministic:\n%s", diff)
	}
}

func TestSegments_NoTrailingNewline(t *testing.T) {
	in := "ERROR first\nERROR second"
	segs := Segments(in)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if joinRaw(segs) != in {
		t.Error("segments do not reconstruct input")
	}
}

func TestSummarize_Truncates(t *testing.T) {
	s := Summarize(strings.Repeat("é", 500))
	if n := len([]rune(s)); n != maxSummaryRunes {
		t.Errorf("summary has %d runes, want %d", n, maxSummaryRunes)
	}
}

func TestLint_PassThroughInOrder(t *testing.T) {
	res := pipeline.LintResult{OK: false, Issues: []pipeline.LintIssue{
		{Rule: "F821", Line: 3, Column: 1, Message: "undefined name"},
		{Rule: "F401", Line: 1, Column: 1, Message: "unused import"},
	}}
	issues := Lint(res)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].Lint.Rule != "F821" || issues[1].Lint.Rule != "F401" {
		t.Error("tool order was not preserved")
	}
	if issues[0].Kind != KindLint {
		t.Errorf("kind = %q", issues[0].Kind)
	}
	if !strings.Contains(issues[0].Description(), "F821") {
		t.Errorf("description = %q", issues[0].Description())
	}
}

func TestLint_CleanIsEmpty(t *testing.T) {
	clean := pipeline.LintResult{OK: true}
	if got := Lint(clean); len(got) != 0 {
		t.Errorf("expected no issues, got %d", len(got))
	}
	// Segmenting twice changes nothing.
	if got := Lint(clean); len(got) != 0 {
		t.Errorf("expected no issues on second pass, got %d", len(got))
	}
}

func TestRender_Issues(t *testing.T) {
	issues := Render(twoTracebacks)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[1].Kind != KindRender || issues[1].Segment == nil {
		t.Fatalf("unexpected issue: %+v", issues[1])
	}
	d := issues[1].Description()
	if !strings.Contains(d, "ValueError") || strings.Contains(d, "NameError") {
		t.Errorf("description should carry only its own segment: %q", d)
	}
}
