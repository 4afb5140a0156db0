package stage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/scenefactory/internal/agent"
	"github.com/lucasnoah/scenefactory/internal/fix"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/segment"
)

// PromptUpgrader expands the raw user request.
type PromptUpgrader interface {
	Upgrade(ctx context.Context, raw string) (pipeline.UpgradedPrompt, error)
}

// CodeGenerator writes the first version of the scene.
type CodeGenerator interface {
	Generate(ctx context.Context, req agent.GenerateRequest) (pipeline.GeneratedCode, error)
}

// Linter checks one code version.
type Linter interface {
	Lint(ctx context.Context, code pipeline.GeneratedCode) pipeline.LintResult
}

// Renderer renders one code version.
type Renderer interface {
	Render(ctx context.Context, code pipeline.GeneratedCode) pipeline.RenderResult
}

// DocsSupplier provides reference text for generation and repair.
type DocsSupplier interface {
	Reference(ctx context.Context) string
}

// EventSink records pipeline events, e.g. in the database.
type EventSink interface {
	LogEvent(runID, event, stage, detail string) error
}

// ToolOutputStore keeps raw tool output per run.
type ToolOutputStore interface {
	SaveToolOutput(id string, stage string, seq int, output string) error
}

// Capabilities are the collaborators an Engine is built from.
type Capabilities struct {
	Upgrader  PromptUpgrader
	Generator CodeGenerator
	Repairer  fix.Repairer
	Linter    Linter
	Renderer  Renderer
	Docs      DocsSupplier
}

// Engine runs the repair-loop pipeline: upgrade → generate → lint loop →
// render loop → finalize.
type Engine struct {
	caps       Capabilities
	dispatcher *fix.Dispatcher
	fixOpts    []fix.Option
	logger     *zap.Logger
	events     EventSink
	outputs    ToolOutputStore
	progress   io.Writer // live progress output; nil = silent
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEvents records pipeline events in sink.
func WithEvents(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithToolOutputs stores raw lint and render output.
func WithToolOutputs(s ToolOutputStore) Option {
	return func(e *Engine) { e.outputs = s }
}

// WithProgress sets a writer for live progress lines (e.g. os.Stderr).
func WithProgress(w io.Writer) Option {
	return func(e *Engine) { e.progress = w }
}

// WithPatchValidator replaces the dispatcher's patch validation.
func WithPatchValidator(v fix.Validator) Option {
	return func(e *Engine) { e.fixOpts = append(e.fixOpts, fix.WithValidator(v)) }
}

// NewEngine creates an Engine.
func NewEngine(caps Capabilities, opts ...Option) *Engine {
	e := &Engine{
		caps:   caps,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = fix.NewDispatcher(caps.Repairer, append([]fix.Option{fix.WithLogger(e.logger)}, e.fixOpts...)...)
	return e
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Default loop budgets.
const (
	DefaultMaxLintRounds      = 2
	DefaultMaxRenderFixRounds = 2
)

// RunOpts configures one pipeline run. Zero budgets take the defaults; a
// negative budget allows no fix passes at all.
type RunOpts struct {
	RunID              string
	MaxLintRounds      int
	MaxRenderFixRounds int
	// MaxTotalFixPasses caps fix passes across both loops; 0 disables the cap.
	MaxTotalFixPasses int
	SceneName         string
	ExtraContext      string
	// NoLatex enables the LaTeX guard: code using TeX mobjects is rewritten
	// before the first render.
	NoLatex bool
}

func (o RunOpts) withDefaults() RunOpts {
	if o.MaxLintRounds == 0 {
		o.MaxLintRounds = DefaultMaxLintRounds
	}
	if o.MaxRenderFixRounds == 0 {
		o.MaxRenderFixRounds = DefaultMaxRenderFixRounds
	}
	if o.SceneName == "" {
		o.SceneName = agent.DefaultSceneName
	}
	return o
}

// Run executes one pipeline run. The returned result is always non-nil.
// The error is non-nil only for fatal generation failures (wrapping
// pipeline.ErrFatalGeneration) and cancellation (ctx.Err()).
func (e *Engine) Run(ctx context.Context, userPrompt string, opts RunOpts) (*pipeline.Result, error) {
	opts = opts.withDefaults()
	r := &run{
		e:    e,
		opts: opts,
		log:  e.logger.With(zap.String("run_id", opts.RunID)),
		// In-flight tool and model calls are not interrupted; cancellation is
		// observed between stages.
		callCtx: context.WithoutCancel(ctx),
		res: &pipeline.Result{
			RunID:         opts.RunID,
			LintIssues:    []pipeline.LintIssue{},
			RuntimeErrors: []pipeline.RuntimeErrorSegment{},
			StartedAt:     e.now(),
			Budgets: pipeline.Budgets{
				Lint:   pipeline.NewBudget(opts.MaxLintRounds),
				Render: pipeline.NewBudget(opts.MaxRenderFixRounds),
			},
		},
	}
	if opts.MaxTotalFixPasses > 0 {
		total := pipeline.NewBudget(opts.MaxTotalFixPasses)
		r.res.Budgets.Total = &total
	}

	err := r.execute(ctx, userPrompt)
	r.res.Duration = e.now().Sub(r.res.StartedAt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			r.res.OK = false
			r.res.Failure = pipeline.FailureCanceled
			r.res.Error = err.Error()
			r.event("run_canceled", "", err.Error())
			r.trace("run", "canceled: %v", err)
			return r.res, err
		}
		return r.res, err
	}
	r.event("run_finished", "", r.res.Status())
	return r.res, nil
}

// run holds the mutable state of one Engine.Run call.
type run struct {
	e       *Engine
	opts    RunOpts
	log     *zap.Logger
	callCtx context.Context
	res     *pipeline.Result

	reference string
	lintSeq   int
	renderSeq int
}

func (r *run) execute(ctx context.Context, userPrompt string) error {
	r.event("run_started", "", "")

	// Prompt upgrade.
	if err := ctx.Err(); err != nil {
		return err
	}
	r.trace("upgrade", "upgrading prompt")
	up, err := r.e.caps.Upgrader.Upgrade(r.callCtx, userPrompt)
	if err != nil {
		return r.fatal("upgrade", err)
	}
	r.res.Upgraded = &up
	r.trace("upgrade", "title: %s", up.Title)

	// Code generation.
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.e.caps.Docs != nil {
		r.reference = r.e.caps.Docs.Reference(r.callCtx)
		r.trace("docs", "reference loaded (%d bytes)", len(r.reference))
	}
	r.trace("generate", "generating scene %s", r.opts.SceneName)
	code, err := r.e.caps.Generator.Generate(r.callCtx, agent.GenerateRequest{
		Prompt:       up,
		SceneName:    r.opts.SceneName,
		Reference:    r.reference,
		ExtraContext: r.opts.ExtraContext,
	})
	if err != nil {
		return r.fatal("generate", err)
	}
	r.res.Code = code
	r.trace("generate", "generated %s (%d bytes)", code.SceneName, len(code.Source))

	// Lint loop.
	lint, err := r.lint(ctx, code)
	if err != nil {
		return err
	}
	for !lint.OK {
		if !r.takeFixPass(&r.res.Budgets.Lint) {
			break
		}
		code = r.fixBatch(code, segment.Lint(lint), "lint")
		if lint, err = r.lint(ctx, code); err != nil {
			return err
		}
	}
	if !lint.OK {
		return r.fail(pipeline.FailureLintExhausted, "lint", "lint still dirty after %d fix pass(es): %d issue(s)", r.res.Budgets.Lint.Used, len(lint.Issues))
	}

	// LaTeX guard.
	if r.opts.NoLatex && usesLatex(code.Source) {
		r.trace("guard", "LaTeX is unavailable; rewriting TeX mobjects")
		if !r.takeUncounted() {
			return r.fail(pipeline.FailureLintExhausted, "guard", "fix pass cap reached before the LaTeX rewrite")
		}
		code = r.fixBatch(code, []segment.Issue{latexIssue()}, "guard")
		if code, lint, err = r.relint(ctx, code); err != nil {
			return err
		}
		if !lint.OK {
			return r.fail(pipeline.FailureLintExhausted, "guard", "lint dirty after the LaTeX rewrite: %d issue(s)", len(lint.Issues))
		}
	}

	// Render loop.
	rendered, err := r.render(ctx, code)
	if err != nil {
		return err
	}
	for !rendered.OK {
		if !r.takeFixPass(&r.res.Budgets.Render) {
			break
		}
		code = r.fixBatch(code, segment.Render(rendered.Stderr), "render")
		if code, lint, err = r.relint(ctx, code); err != nil {
			return err
		}
		if !lint.OK {
			return r.fail(pipeline.FailureLintExhausted, "render", "render fix left lint dirty: %d issue(s)", len(lint.Issues))
		}
		if rendered, err = r.render(ctx, code); err != nil {
			return err
		}
	}
	if !rendered.OK {
		return r.fail(pipeline.FailureRenderExhausted, "render", "render still failing after %d fix pass(es)", r.res.Budgets.Render.Used)
	}

	r.res.OK = true
	r.res.VideoPath = rendered.ArtifactPath
	r.res.RuntimeErrors = []pipeline.RuntimeErrorSegment{}
	r.trace("finalize", "video: %s", rendered.ArtifactPath)
	return nil
}

// lint runs one lint check on code and records it as the latest result.
func (r *run) lint(ctx context.Context, code pipeline.GeneratedCode) (pipeline.LintResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.LintResult{}, err
	}
	r.res.Code = code
	res := r.e.caps.Linter.Lint(r.callCtx, code)
	r.lintSeq++
	r.saveOutput("lint", r.lintSeq, res.Output)

	r.res.LintIssues = append([]pipeline.LintIssue{}, res.Issues...)
	if res.OK {
		r.trace("lint", "v%d clean (%dms)", code.Version, res.DurationMs)
	} else {
		r.trace("lint", "v%d: %d issue(s)", code.Version, len(res.Issues))
		for _, iss := range res.Issues {
			r.log.Debug("lint issue", zap.String("issue", iss.String()))
		}
	}
	r.event("lint", "lint", fmt.Sprintf("version=%d ok=%t issues=%d", code.Version, res.OK, len(res.Issues)))
	return res, nil
}

// relint is the single check after a patch that precedes a render: one lint,
// and when dirty one extra fix pass scoped to its issues and one more lint.
func (r *run) relint(ctx context.Context, code pipeline.GeneratedCode) (pipeline.GeneratedCode, pipeline.LintResult, error) {
	lint, err := r.lint(ctx, code)
	if err != nil || lint.OK {
		return code, lint, err
	}
	if !r.takeUncounted() {
		return code, lint, nil
	}
	code = r.fixBatch(code, segment.Lint(lint), "relint")
	lint, err = r.lint(ctx, code)
	return code, lint, err
}

// render runs one render of code.
func (r *run) render(ctx context.Context, code pipeline.GeneratedCode) (pipeline.RenderResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.RenderResult{}, err
	}
	r.res.Code = code
	r.trace("render", "rendering v%d (%s)", code.Version, code.SceneName)
	res := r.e.caps.Renderer.Render(r.callCtx, code)
	r.renderSeq++
	r.saveOutput("render", r.renderSeq, res.Output)

	if res.OK {
		r.res.RuntimeErrors = []pipeline.RuntimeErrorSegment{}
		r.trace("render", "v%d rendered in %dms", code.Version, res.DurationMs)
	} else {
		segs := segment.Segments(res.Stderr)
		if segs == nil {
			segs = []pipeline.RuntimeErrorSegment{}
		}
		r.res.RuntimeErrors = segs
		r.trace("render", "v%d failed (exit %d): %d error segment(s)", code.Version, res.ExitCode, len(segs))
	}
	r.event("render", "render", fmt.Sprintf("version=%d ok=%t exit=%d", code.Version, res.OK, res.ExitCode))
	return res, nil
}

// fixBatch dispatches one fix pass over issues and returns the new code.
func (r *run) fixBatch(code pipeline.GeneratedCode, issues []segment.Issue, stage string) pipeline.GeneratedCode {
	fc := fix.Context{Reference: r.reference, Pass: r.res.FixPasses}
	if r.res.Upgraded != nil {
		fc.Constraints = r.res.Upgraded.Constraints
	}
	r.trace("fix", "pass %d (%s): %d issue(s)", fc.Pass, stage, len(issues))
	report := r.e.dispatcher.Fix(r.callCtx, code, issues, fc)
	r.res.Unresolved = append(r.res.Unresolved, report.Unresolved...)
	r.trace("fix", "pass %d: %d applied, %d unresolved", fc.Pass, report.Applied, len(report.Unresolved))
	r.event("fix_pass", stage, fmt.Sprintf("pass=%d issues=%d applied=%d unresolved=%d", fc.Pass, len(issues), report.Applied, len(report.Unresolved)))
	r.res.Code = report.Code
	return report.Code
}

// takeFixPass consumes one iteration of loop and of the combined cap.
func (r *run) takeFixPass(loop *pipeline.Budget) bool {
	total := r.res.Budgets.Total
	if total != nil && !total.Remaining() {
		r.trace("budget", "combined fix pass cap of %d reached", total.Max)
		return false
	}
	if !loop.Use() {
		return false
	}
	if total != nil {
		total.Use()
	}
	r.res.FixPasses++
	return true
}

// takeUncounted accounts for a fix pass outside the loop budgets (re-lint
// and guard passes). Only the combined cap applies.
func (r *run) takeUncounted() bool {
	if total := r.res.Budgets.Total; total != nil {
		if !total.Use() {
			r.trace("budget", "combined fix pass cap of %d reached", total.Max)
			return false
		}
	}
	r.res.FixPasses++
	return true
}

func (r *run) fatal(op string, err error) error {
	r.res.OK = false
	r.res.Failure = pipeline.FailureFatalGeneration
	r.res.Error = err.Error()
	r.res.LintIssues = []pipeline.LintIssue{}
	r.res.RuntimeErrors = []pipeline.RuntimeErrorSegment{}
	r.trace(op, "fatal: %v", err)
	r.event("fatal_generation", op, err.Error())
	r.log.Error("generation failed", zap.String("op", op), zap.Error(err))
	return pipeline.Fatal(err)
}

func (r *run) fail(kind pipeline.FailureKind, stage, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	r.res.OK = false
	r.res.Failure = kind
	r.res.Error = msg
	r.trace(stage, "%s", msg)
	r.event(string(kind), stage, msg)
	return nil
}

func (r *run) trace(stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.res.Trace = append(r.res.Trace, pipeline.TraceEntry{Time: r.e.now(), Stage: stage, Message: msg})
	r.log.Info(msg, zap.String("stage", stage))
	r.e.logf("%s: %s", stage, msg)
}

// event records a pipeline event. Best-effort: a failing sink never affects
// the run.
func (r *run) event(name, stage, detail string) {
	if r.e.events == nil {
		return
	}
	if err := r.e.events.LogEvent(r.opts.RunID, name, stage, detail); err != nil {
		r.log.Warn("log event", zap.String("event", name), zap.Error(err))
	}
}

func (r *run) saveOutput(stage string, seq int, output string) {
	if r.e.outputs == nil || r.opts.RunID == "" || output == "" {
		return
	}
	if err := r.e.outputs.SaveToolOutput(r.opts.RunID, stage, seq, output); err != nil {
		r.log.Warn("save tool output", zap.String("stage", stage), zap.Error(err))
	}
}

var latexRe = regexp.MustCompile(`\b(MathTex|Tex|SingleStringMathTex|BulletedList|Title)\s*\(`)

// usesLatex reports whether source constructs mobjects that need a TeX
// installation.
func usesLatex(source string) bool {
	return latexRe.MatchString(source)
}

func latexIssue() segment.Issue {
	return segment.Issue{
		Kind: segment.KindGuard,
		Summary: "LaTeX is not installed on the render host. Replace MathTex, Tex, " +
			"SingleStringMathTex, BulletedList and Title with Text-based equivalents " +
			"and remove their imports.",
	}
}
