package checks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// RuffParser parses `ruff check --output-format json` output. It accepts a
// JSON array and falls back to one JSON object per line.
type RuffParser struct{}

type ruffLocation struct {
	Row    int `json:"row"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

type ruffMessage struct {
	Code     *string       `json:"code"`
	Rule     string        `json:"rule"`
	Message  string        `json:"message"`
	Filename string        `json:"filename"`
	Location *ruffLocation `json:"location"`
	Fix      *struct {
		Applicability string `json:"applicability"`
	} `json:"fix"`
}

func (p *RuffParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	text := strings.TrimSpace(stdout)
	msgs, ok := decodeRuff(text)
	if !ok {
		// Not JSON at all: ruff itself failed (bad config, missing binary
		// behind uv, ...). Surface the output as one issue.
		if exitCode == 0 {
			return ParseResult{Passed: true, Summary: "passed (exit code 0, no JSON findings)"}
		}
		g := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		g.Summary = fmt.Sprintf("exit code %d (could not parse ruff JSON)", exitCode)
		g.Issues[0].Rule = "tool-error"
		return g
	}

	var result ParseResult
	fixable := 0
	for _, m := range msgs {
		issue := pipeline.LintIssue{
			Rule:     ruffCode(m),
			Message:  m.Message,
			File:     m.Filename,
			Severity: ruffSeverity(ruffCode(m)),
		}
		if m.Location != nil {
			issue.Line = m.Location.Row
			if issue.Line == 0 {
				issue.Line = m.Location.Line
			}
			issue.Column = m.Location.Column
		}
		if m.Fix != nil {
			fixable++
		}
		result.Issues = append(result.Issues, issue)
	}

	if len(result.Issues) == 0 && exitCode != 0 {
		g := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		g.Summary = fmt.Sprintf("exit code %d with no findings", exitCode)
		g.Issues[0].Rule = "tool-error"
		return g
	}

	result.Passed = len(result.Issues) == 0
	result.Summary = fmt.Sprintf("%d issues, %d fixable", len(result.Issues), fixable)
	return result
}

// decodeRuff returns the decoded messages and whether text was JSON.
func decodeRuff(text string) ([]ruffMessage, bool) {
	if text == "" {
		return nil, false
	}
	var msgs []ruffMessage
	if err := json.Unmarshal([]byte(text), &msgs); err == nil {
		return msgs, true
	}

	// NDJSON fallback; lines that are not objects are skipped.
	parsedAny := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m ruffMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		parsedAny = true
		msgs = append(msgs, m)
	}
	return msgs, parsedAny
}

func ruffCode(m ruffMessage) string {
	if m.Code != nil && *m.Code != "" {
		return *m.Code
	}
	if m.Rule != "" {
		return m.Rule
	}
	return "syntax-error"
}

// ruffSeverity treats syntax errors and pyflakes findings (undefined names,
// unused imports) as errors; style rules are warnings.
func ruffSeverity(code string) string {
	switch {
	case code == "syntax-error", strings.HasPrefix(code, "E9"), strings.HasPrefix(code, "F"):
		return "error"
	default:
		return "warning"
	}
}
