package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lucasnoah/scenefactory/internal/agent"
	"github.com/lucasnoah/scenefactory/internal/fix"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/segment"
)

func TestMain(m *testing.M) {
	// genai's opencensus dependency starts a stats worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// The fakes below share one call log so tests can check ordering across
// collaborators. Scene sources carry markers:
//
//	# lint:RULE     the linter reports RULE on that line
//	# render:NAME   rendering fails with a NameError traceback for NAME
//
// The default repairer deletes the marker an issue refers to.

type callLog struct {
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

type fakeUpgrader struct {
	err   error
	hook  func()
	calls int
}

func (f *fakeUpgrader) Upgrade(_ context.Context, raw string) (pipeline.UpgradedPrompt, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return pipeline.UpgradedPrompt{}, f.err
	}
	return pipeline.UpgradedPrompt{Title: "T", Description: raw, Constraints: []string{"keep it blue"}}, nil
}

type fakeGenerator struct {
	source string
	err    error
	reqs   []agent.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req agent.GenerateRequest) (pipeline.GeneratedCode, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return pipeline.GeneratedCode{}, f.err
	}
	return pipeline.GeneratedCode{SceneName: req.SceneName, Source: f.source, Version: 1}, nil
}

type fakeLinter struct {
	log *callLog
}

func (f *fakeLinter) Lint(_ context.Context, code pipeline.GeneratedCode) pipeline.LintResult {
	var issues []pipeline.LintIssue
	for i, line := range strings.Split(code.Source, "\n") {
		if _, rule, ok := strings.Cut(line, "# lint:"); ok {
			issues = append(issues, pipeline.LintIssue{Severity: "error", Rule: strings.TrimSpace(rule), Message: "bad", Line: i + 1, Column: 1})
		}
	}
	ok := len(issues) == 0
	f.log.add("lint v%d ok=%t", code.Version, ok)
	return pipeline.LintResult{OK: ok, Issues: issues, Output: fmt.Sprintf("%d issues", len(issues))}
}

type fakeRenderer struct {
	log     *callLog
	sources []string
}

func (f *fakeRenderer) Render(_ context.Context, code pipeline.GeneratedCode) pipeline.RenderResult {
	f.sources = append(f.sources, code.Source)
	f.log.add("render v%d", code.Version)
	var stderr strings.Builder
	for _, line := range strings.Split(code.Source, "\n") {
		if _, name, ok := strings.Cut(line, "# render:"); ok {
			fmt.Fprintf(&stderr, "Traceback (most recent call last):\n  File \"scene.py\", line 6, in construct\nNameError: name '%s' is not defined\n", strings.TrimSpace(name))
		}
	}
	if stderr.Len() > 0 {
		return pipeline.RenderResult{Stderr: stderr.String(), Output: stderr.String(), ExitCode: 1}
	}
	return pipeline.RenderResult{OK: true, ArtifactPath: "/tmp/session/video.mp4"}
}

type fakeRepairer struct {
	log      *callLog
	requests []fix.Request
	// edit returns the new source; nil uses removeMarker.
	edit func(req fix.Request) (string, error)
}

func (f *fakeRepairer) Repair(_ context.Context, req fix.Request) (pipeline.GeneratedCode, error) {
	f.requests = append(f.requests, req)
	f.log.add("repair %s v%d", req.Issue.Kind, req.Code.Version)
	edit := f.edit
	if edit == nil {
		edit = removeMarker
	}
	src, err := edit(req)
	if err != nil {
		return pipeline.GeneratedCode{}, err
	}
	return pipeline.GeneratedCode{SceneName: req.Code.SceneName, Source: src}, nil
}

// removeMarker drops the line carrying the marker the issue refers to.
func removeMarker(req fix.Request) (string, error) {
	var kept []string
	for _, line := range strings.Split(req.Code.Source, "\n") {
		if issueMatches(req.Issue, line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), nil
}

func issueMatches(iss segment.Issue, line string) bool {
	switch iss.Kind {
	case segment.KindLint:
		_, rule, ok := strings.Cut(line, "# lint:")
		return ok && strings.TrimSpace(rule) == iss.Lint.Rule
	case segment.KindRender:
		_, name, ok := strings.Cut(line, "# render:")
		return ok && strings.Contains(iss.Summary, "'"+strings.TrimSpace(name)+"'")
	}
	return false
}

func acceptAll(context.Context, pipeline.GeneratedCode, pipeline.GeneratedCode) error { return nil }

type harness struct {
	log       *callLog
	upgrader  *fakeUpgrader
	generator *fakeGenerator
	linter    *fakeLinter
	renderer  *fakeRenderer
	repairer  *fakeRepairer
}

func newHarness(source string) *harness {
	log := &callLog{}
	return &harness{
		log:       log,
		upgrader:  &fakeUpgrader{},
		generator: &fakeGenerator{source: source},
		linter:    &fakeLinter{log: log},
		renderer:  &fakeRenderer{log: log},
		repairer:  &fakeRepairer{log: log},
	}
}

func (h *harness) engine(opts ...Option) *Engine {
	return NewEngine(Capabilities{
		Upgrader:  h.upgrader,
		Generator: h.generator,
		Repairer:  h.repairer,
		Linter:    h.linter,
		Renderer:  h.renderer,
		Docs:      staticDocs("REFERENCE"),
	}, append([]Option{WithPatchValidator(acceptAll)}, opts...)...)
}

type staticDocs string

func (s staticDocs) Reference(context.Context) string { return string(s) }

// assertLintedBeforeRender checks that every render was preceded by a clean
// lint of the same version.
func assertLintedBeforeRender(t *testing.T, entries []string) {
	t.Helper()
	lastLint := ""
	for _, e := range entries {
		if strings.HasPrefix(e, "lint ") {
			lastLint = e
			continue
		}
		if strings.HasPrefix(e, "render ") {
			version := strings.TrimPrefix(e, "render ")
			assert.Equal(t, "lint "+version+" ok=true", lastLint, "render without a clean lint of the same version: %v", entries)
		}
	}
}

const cleanScene = `from manim import Circle, Create, Scene


class GeneratedScene(Scene):
    def construct(self):
        self.play(Create(Circle()))
`

func TestRun_CleanFirstTry(t *testing.T) {
	h := newHarness(cleanScene)
	res, err := h.engine().Run(context.Background(), "draw a circle", RunOpts{RunID: "r1"})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, "ok", res.Status())
	assert.Equal(t, "/tmp/session/video.mp4", res.VideoPath)
	assert.Equal(t, 0, res.FixPasses)
	assert.Empty(t, res.LintIssues)
	assert.Empty(t, res.RuntimeErrors)
	assert.Empty(t, h.repairer.requests)
	assert.Equal(t, []string{"lint v1 ok=true", "render v1"}, h.log.entries)

	require.Len(t, h.generator.reqs, 1)
	assert.Equal(t, agent.DefaultSceneName, h.generator.reqs[0].SceneName)
	assert.Equal(t, "REFERENCE", h.generator.reqs[0].Reference)
	assert.Equal(t, "draw a circle", h.generator.reqs[0].Prompt.Description)
	assert.NotEmpty(t, res.Trace)
}

func TestRun_LintFixedThenRenders(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\nimport os  # lint:F401\n")
	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.FixPasses)
	assert.Equal(t, 1, res.Budgets.Lint.Used)
	require.Len(t, h.repairer.requests, 2, "one repair request per lint issue")
	assert.Equal(t, "F841", h.repairer.requests[0].Issue.Lint.Rule)
	assert.Equal(t, "F401", h.repairer.requests[1].Issue.Lint.Rule)
	assert.Equal(t, []string{"keep it blue"}, h.repairer.requests[0].Constraints)
	assert.Equal(t, "REFERENCE", h.repairer.requests[0].Reference)
	assertLintedBeforeRender(t, h.log.entries)
	assert.Equal(t, 3, res.Code.Version)
}

func TestRun_LintBudgetExhaustedNeverRenders(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n")
	h.repairer.edit = func(req fix.Request) (string, error) { return req.Code.Source, nil }

	res, err := h.engine().Run(context.Background(), "p", RunOpts{MaxLintRounds: 2})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, pipeline.FailureLintExhausted, res.Failure)
	assert.Equal(t, 2, res.FixPasses, "exactly max_lint_rounds fix passes")
	assert.Equal(t, 2, res.Budgets.Lint.Used)
	assert.Len(t, h.repairer.requests, 2)
	assert.Empty(t, h.renderer.sources, "renderer must not run after lint exhaustion")
	require.Len(t, res.LintIssues, 1)
	assert.Equal(t, "F841", res.LintIssues[0].Rule)
	assert.Equal(t, 0, res.Budgets.Render.Used)
}

func TestRun_NegativeLintBudgetAllowsNoPasses(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n")
	res, err := h.engine().Run(context.Background(), "p", RunOpts{MaxLintRounds: -1})
	require.NoError(t, err)

	assert.Equal(t, pipeline.FailureLintExhausted, res.Failure)
	assert.Equal(t, 0, res.FixPasses)
	assert.Empty(t, h.repairer.requests)
}

func TestRun_TwoTracebacksTwoRepairs(t *testing.T) {
	h := newHarness(cleanScene + "# render:alpha\n# render:beta\n")
	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.NoError(t, err)

	assert.True(t, res.OK)
	require.Len(t, h.repairer.requests, 2)
	first, second := h.repairer.requests[0], h.repairer.requests[1]
	assert.Equal(t, segment.KindRender, first.Issue.Kind)
	assert.Contains(t, first.Description, "alpha")
	assert.NotContains(t, first.Description, "beta")
	assert.Contains(t, second.Description, "beta")
	assert.NotContains(t, second.Description, "alpha")
	assert.Equal(t, first.Code.Version+1, second.Code.Version, "second repair sees the first patch")

	assert.Equal(t, 1, res.Budgets.Render.Used)
	assert.Len(t, h.renderer.sources, 2)
	assert.Empty(t, res.RuntimeErrors)
	assertLintedBeforeRender(t, h.log.entries)
}

func TestRun_RenderFixIntroducesLintIssue(t *testing.T) {
	h := newHarness(cleanScene + "# render:alpha\n")
	h.repairer.edit = func(req fix.Request) (string, error) {
		src, _ := removeMarker(req)
		if req.Issue.Kind == segment.KindRender {
			src += "import os  # lint:F401\n"
		}
		return src, nil
	}

	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, []string{
		"lint v1 ok=true",
		"render v1",
		"repair render v1",
		"lint v2 ok=false",
		"repair lint v2",
		"lint v3 ok=true",
		"render v3",
	}, h.log.entries)
	assert.Equal(t, 2, res.FixPasses)
	assert.Equal(t, 0, res.Budgets.Lint.Used, "re-lint passes are not charged to the lint loop")
	assertLintedBeforeRender(t, h.log.entries)
}

func TestRun_RenderFixLeavesLintDirty(t *testing.T) {
	h := newHarness(cleanScene + "# render:alpha\n")
	h.repairer.edit = func(req fix.Request) (string, error) {
		if req.Issue.Kind == segment.KindRender {
			src, _ := removeMarker(req)
			return src + "import os  # lint:F401\n", nil
		}
		return req.Code.Source, nil
	}

	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, pipeline.FailureLintExhausted, res.Failure)
	assert.Len(t, h.renderer.sources, 1, "no render after a dirty re-lint")
	require.Len(t, res.LintIssues, 1)
	assert.Equal(t, "F401", res.LintIssues[0].Rule)
	assertLintedBeforeRender(t, h.log.entries)
}

func TestRun_RenderBudgetExhausted(t *testing.T) {
	h := newHarness(cleanScene + "# render:alpha\n")
	h.repairer.edit = func(req fix.Request) (string, error) { return req.Code.Source, nil }

	res, err := h.engine().Run(context.Background(), "p", RunOpts{MaxRenderFixRounds: 2})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, pipeline.FailureRenderExhausted, res.Failure)
	assert.Equal(t, 2, res.Budgets.Render.Used)
	assert.Len(t, h.renderer.sources, 3)
	require.Len(t, res.RuntimeErrors, 1)
	assert.Contains(t, res.RuntimeErrors[0].Summary, "alpha")
	assert.Empty(t, res.VideoPath)
	assertLintedBeforeRender(t, h.log.entries)
}

func TestRun_TotalFixPassCap(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n# render:alpha\n")
	h.repairer.edit = func(req fix.Request) (string, error) {
		if req.Issue.Kind == segment.KindLint {
			return removeMarker(req)
		}
		return req.Code.Source, nil
	}

	res, err := h.engine().Run(context.Background(), "p", RunOpts{MaxTotalFixPasses: 2, MaxRenderFixRounds: 5})
	require.NoError(t, err)

	assert.Equal(t, pipeline.FailureRenderExhausted, res.Failure)
	assert.Equal(t, 2, res.FixPasses)
	require.NotNil(t, res.Budgets.Total)
	assert.Equal(t, 2, res.Budgets.Total.Used)
	assert.Equal(t, 1, res.Budgets.Lint.Used)
	assert.Equal(t, 1, res.Budgets.Render.Used)
}

func TestRun_RepairFailureIsUnresolved(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n")
	h.repairer.edit = func(fix.Request) (string, error) { return "", errors.New("model timeout") }

	res, err := h.engine().Run(context.Background(), "p", RunOpts{MaxLintRounds: 1})
	require.NoError(t, err)

	assert.Equal(t, pipeline.FailureLintExhausted, res.Failure)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, 1, res.Unresolved[0].Pass)
	assert.Contains(t, res.Unresolved[0].Reason, "model timeout")
	assert.Equal(t, 1, res.Code.Version, "failed repairs keep the previous code")
}

func TestRun_LatexGuard(t *testing.T) {
	src := strings.Replace(cleanScene, "Create(Circle())", "Write(MathTex(r\"a^2\"))", 1)
	h := newHarness(src)
	h.repairer.edit = func(req fix.Request) (string, error) {
		if req.Issue.Kind == segment.KindGuard {
			return strings.ReplaceAll(req.Code.Source, "MathTex(", "Text("), nil
		}
		return removeMarker(req)
	}

	res, err := h.engine().Run(context.Background(), "p", RunOpts{NoLatex: true})
	require.NoError(t, err)

	assert.True(t, res.OK)
	require.Len(t, h.repairer.requests, 1)
	assert.Equal(t, segment.KindGuard, h.repairer.requests[0].Issue.Kind)
	assert.Contains(t, h.repairer.requests[0].Description, "LaTeX")
	require.Len(t, h.renderer.sources, 1)
	assert.NotContains(t, h.renderer.sources[0], "MathTex")
	assertLintedBeforeRender(t, h.log.entries)
}

func TestRun_LatexGuardOffWhenAvailable(t *testing.T) {
	src := strings.Replace(cleanScene, "Create(Circle())", "Write(MathTex(r\"a^2\"))", 1)
	h := newHarness(src)
	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, h.repairer.requests)
}

func TestUsesLatex(t *testing.T) {
	assert.True(t, usesLatex(`eq = MathTex("x")`))
	assert.True(t, usesLatex(`Tex ("x")`))
	assert.False(t, usesLatex(`Text("MathTex is not used")`))
	assert.False(t, usesLatex(`MyTex("x")`))
}

func TestRun_FatalGeneration(t *testing.T) {
	h := newHarness(cleanScene)
	h.generator.err = pipeline.NewGenerationError("generate", errors.New("quota exceeded"))

	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrFatalGeneration)
	var genErr *pipeline.GenerationError
	assert.ErrorAs(t, err, &genErr)

	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Equal(t, pipeline.FailureFatalGeneration, res.Failure)
	assert.Contains(t, res.Error, "quota exceeded")
	assert.Empty(t, h.log.entries, "no tools run after a fatal generation")
}

func TestRun_FatalUpgrade(t *testing.T) {
	h := newHarness(cleanScene)
	h.upgrader.err = errors.New("no key")

	res, err := h.engine().Run(context.Background(), "p", RunOpts{})
	assert.ErrorIs(t, err, pipeline.ErrFatalGeneration)
	assert.Equal(t, pipeline.FailureFatalGeneration, res.Failure)
	assert.Empty(t, h.generator.reqs)
}

func TestRun_CanceledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(cleanScene)
	h.upgrader.hook = cancel

	res, err := h.engine().Run(ctx, "p", RunOpts{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.FailureCanceled, res.Failure)
	assert.Equal(t, 1, h.upgrader.calls, "the in-flight upgrade completes")
	assert.Empty(t, h.generator.reqs)
	assert.Empty(t, h.log.entries)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(cleanScene)
	res, err := h.engine().Run(ctx, "p", RunOpts{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", res.Status())
	assert.Equal(t, 0, h.upgrader.calls)
}

type recordingSink struct {
	events []string
	err    error
}

func (s *recordingSink) LogEvent(runID, event, stage, detail string) error {
	s.events = append(s.events, runID+":"+event)
	return s.err
}

type memOutputs map[string]string

func (m memOutputs) SaveToolOutput(id, stage string, seq int, output string) error {
	m[fmt.Sprintf("%s/%s-%d", id, stage, seq)] = output
	return nil
}

func TestRun_EventsAndOutputs(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n")
	sink := &recordingSink{}
	outputs := memOutputs{}
	var progress bytes.Buffer

	res, err := h.engine(WithEvents(sink), WithToolOutputs(outputs), WithProgress(&progress)).
		Run(context.Background(), "p", RunOpts{RunID: "r9"})
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, "r9:run_started", sink.events[0])
	assert.Equal(t, "r9:run_finished", sink.events[len(sink.events)-1])
	assert.Contains(t, sink.events, "r9:fix_pass")
	assert.Equal(t, "1 issues", outputs["r9/lint-1"])
	assert.Equal(t, "0 issues", outputs["r9/lint-2"])
	assert.Contains(t, progress.String(), "fix: pass 1 (lint): 1 issue(s)")
}

func TestRun_FailingEventSinkIsIgnored(t *testing.T) {
	h := newHarness(cleanScene)
	sink := &recordingSink{err: errors.New("database is locked")}
	res, err := h.engine(WithEvents(sink)).Run(context.Background(), "p", RunOpts{RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, sink.events)
}

func TestRun_DefaultValidatorRejectsBrokenPatch(t *testing.T) {
	h := newHarness(cleanScene + "x = 1  # lint:F841\n")
	h.repairer.edit = func(req fix.Request) (string, error) {
		return "class GeneratedScene(Scene:\n", nil
	}
	e := NewEngine(Capabilities{
		Upgrader:  h.upgrader,
		Generator: h.generator,
		Repairer:  h.repairer,
		Linter:    h.linter,
		Renderer:  h.renderer,
	})

	res, err := e.Run(context.Background(), "p", RunOpts{MaxLintRounds: 1})
	require.NoError(t, err)
	assert.Equal(t, pipeline.FailureLintExhausted, res.Failure)
	require.Len(t, res.Unresolved, 1)
	assert.Contains(t, res.Unresolved[0].Reason, "malformed patch")
	assert.Equal(t, 1, res.Code.Version)
}
