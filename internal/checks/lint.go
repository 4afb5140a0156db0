package checks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// LintConfig mirrors config.Lint with the fields the linter needs.
type LintConfig struct {
	Command []string // argv; {file} is replaced with the scene file name
	Parser  string
	Timeout time.Duration
}

// Linter runs the configured lint command against the scene file of one
// session directory.
type Linter struct {
	cmd    CommandRunner
	dir    string
	file   string
	cfg    LintConfig
	parser Parser
}

// NewLinter creates a Linter bound to dir/file.
func NewLinter(cmd CommandRunner, dir string, file string, cfg LintConfig) *Linter {
	return &Linter{
		cmd:    cmd,
		dir:    dir,
		file:   file,
		cfg:    cfg,
		parser: ParserFor(cfg.Parser),
	}
}

// Lint writes code to the scene file and lints it. Tool failures are returned
// as a non-OK result carrying a tool-error issue, never as a Go error.
func (l *Linter) Lint(ctx context.Context, code pipeline.GeneratedCode) pipeline.LintResult {
	if err := writeScene(l.dir, l.file, code); err != nil {
		return toolFailure(err, "")
	}

	argv := ExpandArgs(l.cfg.Command, map[string]string{
		"file":  l.file,
		"scene": code.SceneName,
	})
	inv := invoke(ctx, l.cmd, l.dir, argv, l.cfg.Timeout)
	if inv.Err != nil {
		res := toolFailure(inv.Err, inv.combined())
		res.DurationMs = inv.DurationMs
		return res
	}

	parsed := l.parser.Parse(inv.Stdout, inv.Stderr, inv.ExitCode)
	issues := parsed.Issues
	for i := range issues {
		if issues[i].File == "" {
			issues[i].File = l.file
		} else {
			issues[i].File = relativeTo(l.dir, issues[i].File)
		}
	}
	ok := parsed.Passed && len(issues) == 0
	if !ok && len(issues) == 0 {
		issues = []pipeline.LintIssue{{
			Severity: "error",
			Rule:     "tool-error",
			File:     l.file,
			Message:  fmt.Sprintf("linter reported failure without findings: %s", parsed.Summary),
		}}
	}

	return pipeline.LintResult{
		OK:         ok,
		Issues:     issues,
		Output:     inv.combined(),
		ExitCode:   inv.ExitCode,
		DurationMs: inv.DurationMs,
	}
}

func toolFailure(err error, output string) pipeline.LintResult {
	return pipeline.LintResult{
		OK:       false,
		ExitCode: -1,
		Output:   output,
		Issues: []pipeline.LintIssue{{
			Severity: "error",
			Rule:     "tool-error",
			Message:  err.Error(),
		}},
	}
}

// writeScene replaces the scene file with the given code version.
func writeScene(dir, file string, code pipeline.GeneratedCode) error {
	if err := pipeline.WriteAtomic(filepath.Join(dir, file), []byte(code.Source)); err != nil {
		return fmt.Errorf("write scene: %w", err)
	}
	return nil
}

// relativeTo shortens absolute tool paths to paths inside dir.
func relativeTo(dir, path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(absDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
