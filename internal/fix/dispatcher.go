// Package fix dispatches one isolated repair request per issue and applies the
// returned patches in order.
package fix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/pysrc"
	"github.com/lucasnoah/scenefactory/internal/segment"
)

// Request is everything a repair agent sees for a single issue.
type Request struct {
	Code        pipeline.GeneratedCode
	Issue       segment.Issue
	Description string
	Constraints []string
	Reference   string
	Pass        int
}

// Repairer returns a full replacement of the scene source fixing one issue.
type Repairer interface {
	Repair(ctx context.Context, req Request) (pipeline.GeneratedCode, error)
}

// Context carries the batch-wide inputs shared by every request of a pass.
type Context struct {
	Constraints []string
	Reference   string
	Pass        int
}

// Report is the outcome of one fix pass.
type Report struct {
	Code       pipeline.GeneratedCode
	Applied    int
	Unresolved []pipeline.UnresolvedIssue
}

// Validator rejects patches that cannot replace the current code.
type Validator func(ctx context.Context, prev, next pipeline.GeneratedCode) error

// ErrMalformedPatch is wrapped by validation failures.
var ErrMalformedPatch = errors.New("malformed patch")

// Dispatcher fans an issue batch out to a Repairer one issue at a time.
type Dispatcher struct {
	repairer Repairer
	validate Validator
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithValidator replaces the default patch validation.
func WithValidator(v Validator) Option {
	return func(d *Dispatcher) { d.validate = v }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher around r.
func NewDispatcher(r Repairer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repairer: r,
		validate: ValidatePatch,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fix runs one repair per issue in order. Each request sees the code produced
// by the previous successful patch. Failed or malformed patches are recorded
// as unresolved and the previous code is kept.
func (d *Dispatcher) Fix(ctx context.Context, code pipeline.GeneratedCode, issues []segment.Issue, fc Context) Report {
	report := Report{Code: code}
	for i, issue := range issues {
		req := Request{
			Code:        report.Code,
			Issue:       issue,
			Description: issue.Description(),
			Constraints: fc.Constraints,
			Reference:   fc.Reference,
			Pass:        fc.Pass,
		}
		log := d.logger.With(
			zap.Int("pass", fc.Pass),
			zap.Int("issue", i+1),
			zap.Int("of", len(issues)),
			zap.String("kind", string(issue.Kind)),
		)

		patched, err := d.repairer.Repair(ctx, req)
		if err == nil {
			patched = report.Code.Replace(patched.Source)
			err = d.validate(ctx, report.Code, patched)
		}
		if err != nil {
			log.Warn("fix not applied", zap.String("summary", issue.Summary), zap.Error(err))
			report.Unresolved = append(report.Unresolved, pipeline.UnresolvedIssue{
				Pass:   fc.Pass,
				Issue:  issue.Summary,
				Reason: err.Error(),
			})
			continue
		}

		log.Debug("fix applied", zap.String("summary", issue.Summary), zap.Int("version", patched.Version))
		report.Code = patched
		report.Applied++
	}
	return report
}

// ValidatePatch requires a non-empty source that still defines the scene class
// and parses as Python.
func ValidatePatch(ctx context.Context, prev, next pipeline.GeneratedCode) error {
	if strings.TrimSpace(next.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrMalformedPatch)
	}
	outline, err := pysrc.Inspect(ctx, next.Source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}
	if outline.SyntaxErrorLine > 0 {
		return fmt.Errorf("%w: syntax error near line %d", ErrMalformedPatch, outline.SyntaxErrorLine)
	}
	if !outline.HasClass(prev.SceneName) {
		return fmt.Errorf("%w: class %s is missing", ErrMalformedPatch, prev.SceneName)
	}
	return nil
}
