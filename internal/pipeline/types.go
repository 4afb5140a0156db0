package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// UpgradedPrompt is the expanded form of the user's request. It is produced
// once per run and never modified afterwards.
type UpgradedPrompt struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Constraints []string `json:"constraints"`
}

// Brief renders the prompt in the compact form the code agents consume.
func (u UpgradedPrompt) Brief() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nDescription: %s\n", u.Title, u.Description)
	if len(u.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range u.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// GeneratedCode is one complete version of the scene file.
type GeneratedCode struct {
	SceneName string `json:"scene_name"`
	Source    string `json:"source"`
	Version   int    `json:"version"`
}

// Replace returns the next version of the code with the given source.
func (c GeneratedCode) Replace(source string) GeneratedCode {
	return GeneratedCode{SceneName: c.SceneName, Source: source, Version: c.Version + 1}
}

// LintIssue is a single structured linter finding.
type LintIssue struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// String formats the issue as file:line:col RULE message.
func (i LintIssue) String() string {
	file := i.File
	if file == "" {
		file = "<scene>"
	}
	return fmt.Sprintf("%s:%d:%d %s [%s] %s", file, i.Line, i.Column, i.Rule, i.Severity, i.Message)
}

// RuntimeErrorSegment is one independently fixable block of renderer output.
type RuntimeErrorSegment struct {
	Raw     string `json:"raw"`
	Summary string `json:"summary"`
}

// LintResult is the normalized outcome of one lint invocation.
type LintResult struct {
	OK         bool        `json:"ok"`
	Issues     []LintIssue `json:"issues"`
	Output     string      `json:"output,omitempty"`
	ExitCode   int         `json:"exit_code"`
	DurationMs int         `json:"duration_ms"`
}

// RenderResult is the normalized outcome of one render invocation.
type RenderResult struct {
	OK           bool   `json:"ok"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	Output       string `json:"output,omitempty"`
	ExitCode     int    `json:"exit_code"`
	DurationMs   int    `json:"duration_ms"`
}

// Budget bounds how many iterations a repair loop may run.
type Budget struct {
	Max  int `json:"max_attempts"`
	Used int `json:"attempts_used"`
}

// NewBudget returns a budget allowing max iterations. Negative values are
// treated as zero.
func NewBudget(max int) Budget {
	if max < 0 {
		max = 0
	}
	return Budget{Max: max}
}

// Remaining reports whether another iteration may run.
func (b *Budget) Remaining() bool {
	return b.Used < b.Max
}

// Use consumes one iteration. It returns false, leaving the budget untouched,
// when nothing remains.
func (b *Budget) Use() bool {
	if !b.Remaining() {
		return false
	}
	b.Used++
	return true
}

// Budgets groups the per-run loop counters.
type Budgets struct {
	Lint   Budget  `json:"lint"`
	Render Budget  `json:"render"`
	Total  *Budget `json:"total,omitempty"` // nil when fix passes are not capped across loops
}

// UnresolvedIssue records a single fix attempt that did not apply.
type UnresolvedIssue struct {
	Pass   int    `json:"pass"`
	Issue  string `json:"issue"`
	Reason string `json:"reason"`
}

// TraceEntry is one line of the run's trace log.
type TraceEntry struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// FailureKind classifies why a run did not produce a video.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureFatalGeneration FailureKind = "fatal_generation"
	FailureLintExhausted   FailureKind = "lint_budget_exhausted"
	FailureRenderExhausted FailureKind = "render_budget_exhausted"
	FailureCanceled        FailureKind = "canceled"
)

// Result is the terminal outcome of one pipeline run.
type Result struct {
	RunID         string                `json:"run_id"`
	OK            bool                  `json:"ok"`
	Code          GeneratedCode         `json:"code"`
	VideoPath     string                `json:"video_path,omitempty"`
	LintIssues    []LintIssue           `json:"lint_issues"`
	RuntimeErrors []RuntimeErrorSegment `json:"runtime_errors"`
	Upgraded      *UpgradedPrompt       `json:"upgraded,omitempty"`
	Failure       FailureKind           `json:"failure,omitempty"`
	Error         string                `json:"error,omitempty"`
	Unresolved    []UnresolvedIssue     `json:"unresolved,omitempty"`
	Budgets       Budgets               `json:"budgets"`
	FixPasses     int                   `json:"fix_passes"`
	Trace         []TraceEntry          `json:"trace"`
	SessionDir    string                `json:"session_dir,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	Duration      time.Duration         `json:"duration"`
}

// Status returns "ok" or the failure kind.
func (r *Result) Status() string {
	if r.OK {
		return "ok"
	}
	if r.Failure == FailureNone {
		return "failed"
	}
	return string(r.Failure)
}
