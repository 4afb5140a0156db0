package checks

import (
	"fmt"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// GenericParser is the fallback for linters without machine-readable output.
// A failing run becomes one issue carrying the tail of the tool output.
type GenericParser struct{}

// maxOutputLen caps how much output the generic parser keeps in an issue.
const maxOutputLen = 8000

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}

	combined := invocation{Stdout: stdout, Stderr: stderr}.combined()
	// Keep the tail; summaries are usually at the end.
	if len(combined) > maxOutputLen {
		combined = "…(truncated)\n" + combined[len(combined)-maxOutputLen:]
	}
	if combined == "" {
		combined = fmt.Sprintf("linter exited with code %d and no output", exitCode)
	}

	return ParseResult{
		Passed:  false,
		Summary: fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr)),
		Issues: []pipeline.LintIssue{{
			Severity: "error",
			Rule:     "lint",
			Message:  combined,
		}},
	}
}
