package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/scenefactory/internal/agent"
	"github.com/lucasnoah/scenefactory/internal/checks"
	"github.com/lucasnoah/scenefactory/internal/config"
	"github.com/lucasnoah/scenefactory/internal/db"
	"github.com/lucasnoah/scenefactory/internal/docs"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/prompt"
	"github.com/lucasnoah/scenefactory/internal/stage"
	"github.com/lucasnoah/scenefactory/internal/workspace"
)

// openDB opens and migrates the configured database, returning it with a
// cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	dsn := cfg.DB.DSN
	if dsn == "" {
		var err error
		if dsn, err = db.DefaultDBPath(); err != nil {
			return nil, nil, err
		}
	}
	d, err := db.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// runRequest is one prompt to take through the pipeline.
type runRequest struct {
	Prompt    string
	RunID     string
	SceneName string
	SceneFile string
	Extra     string
	Budgets   budgetFlags
	NoPublish bool
}

// budgetFlags carries command-line budget overrides; negative means unset.
type budgetFlags struct {
	MaxLintRounds      int
	MaxRenderFixRounds int
	MaxTotalFixPasses  int
}

func unsetBudgets() budgetFlags {
	return budgetFlags{MaxLintRounds: -1, MaxRenderFixRounds: -1, MaxTotalFixPasses: -1}
}

// runOutcome is what one pipeline run produced.
type runOutcome struct {
	Result    *pipeline.Result `json:"result"`
	Published string           `json:"published,omitempty"`
	Err       error            `json:"-"`
}

// runner executes pipeline runs. Models, docs and the database are shared
// across runs; everything per run is built in run.
type runner struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *pipeline.Store
	db          *db.DB
	ws          *workspace.Manager
	cmd         checks.CommandRunner
	loader      prompt.Loader
	upgradeLLM  agent.Model
	codeLLM     agent.Model
	docs        docs.Supplier
	progress    io.Writer
	latexExists func() bool
	now         func() time.Time
}

// newRunner builds the shared collaborators from cfg.
func newRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger, database *db.DB, progress io.Writer) (*runner, error) {
	loader := prompt.Loader{Dir: cfg.TemplatesDir}

	upgradeLLM, err := newModel(ctx, cfg, cfg.LLM.UpgradeModel)
	if err != nil {
		return nil, fmt.Errorf("upgrade model: %w", err)
	}
	codeLLM := upgradeLLM
	if cfg.LLM.CodeModel != cfg.LLM.UpgradeModel {
		if codeLLM, err = newModel(ctx, cfg, cfg.LLM.CodeModel); err != nil {
			return nil, fmt.Errorf("code model: %w", err)
		}
	}

	supplier, err := newDocs(cfg, loader, logger)
	if err != nil {
		return nil, err
	}

	cmd := &checks.ExecRunner{}
	ws := workspace.NewManager(cmd, cfg.Session.BaseDir)
	return &runner{
		cfg:         cfg,
		logger:      logger,
		store:       pipeline.NewStore(cfg.Session.BaseDir),
		db:          database,
		ws:          ws,
		cmd:         cmd,
		loader:      loader,
		upgradeLLM:  upgradeLLM,
		codeLLM:     codeLLM,
		docs:        supplier,
		progress:    progress,
		latexExists: ws.LatexAvailable,
		now:         time.Now,
	}, nil
}

// withProgress returns a copy of the runner reporting to w.
func (r *runner) withProgress(w io.Writer) *runner {
	c := *r
	c.progress = w
	return &c
}

// newModel creates the configured LLM provider client for model.
func newModel(ctx context.Context, cfg *config.Config, model string) (agent.Model, error) {
	key := config.ProviderKey(cfg.LLM.Provider)
	if cfg.LLM.Provider != "openrouter" {
		return agent.New(ctx, cfg.LLM.Provider, model, key)
	}
	if key == "" {
		return nil, fmt.Errorf("%s is not set", config.EnvOpenRouterKey)
	}
	opts := []agent.OpenRouterOption{
		agent.WithAPIKey(key),
		agent.WithHTTPClient(&http.Client{Timeout: config.Duration(cfg.LLM.Timeout, 5*time.Minute)}),
	}
	if model != "" {
		opts = append(opts, agent.WithModel(model))
	}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, agent.WithBaseURL(cfg.LLM.BaseURL))
	}
	return agent.NewOpenRouter(opts...), nil
}

// newDocs combines the static tips and Context7 according to cfg.
func newDocs(cfg *config.Config, loader prompt.Loader, logger *zap.Logger) (docs.Supplier, error) {
	var parts docs.Combined
	if cfg.Docs.StaticTips {
		tips, err := docs.StaticTips(loader)
		if err != nil {
			return nil, fmt.Errorf("load tips: %w", err)
		}
		parts = append(parts, tips)
	}
	if c7 := cfg.Docs.Context7; c7.Enabled {
		key := config.Secret(config.EnvContext7Key)
		if key == "" {
			logger.Warn("context7 enabled but CONTEXT7_API_KEY is not set; skipping")
		} else {
			parts = append(parts, docs.NewContext7(
				docs.WithAPIKey(key),
				docs.WithBaseURL(c7.URL),
				docs.WithLibrary(c7.Library),
				docs.WithTopic(c7.Topic),
				docs.WithTokens(c7.Tokens),
				docs.WithSnippetHook(func(s string) {
					logger.Info("context7 snippet", zap.String("library", c7.Library), zap.String("snippet", s))
				}),
			))
		}
	}
	return parts, nil
}

// run takes one prompt through the pipeline and persists the outcome.
// Environment failures (uv setup, preflight) end the run before the pipeline
// starts; an invalid run id returns no result at all.
func (r *runner) run(ctx context.Context, req runRequest) runOutcome {
	cfg := r.cfg
	log := r.logger.With(zap.String("run_id", req.RunID))

	session, err := r.ws.Create(req.RunID)
	if err != nil {
		return runOutcome{Err: err}
	}
	if r.db != nil {
		if err := r.db.StartRun(req.RunID, req.Prompt, session.Dir); err != nil {
			log.Warn("record run start", zap.Error(err))
		}
	}

	r.logf("preparing session %s", session.Dir)
	if err := r.ws.Prepare(ctx, session, workspace.PrepareOpts{
		UseUV:         cfg.Session.UseUV,
		ExtraPackages: cfg.Session.ExtraPackages,
		Quiet:         true,
	}); err != nil {
		return r.abort(req, fmt.Errorf("prepare session: %w", err))
	}
	if cfg.Session.Preflight {
		v, err := r.ws.Preflight(ctx, session, cfg.Session.UseUV)
		if err != nil {
			return r.abort(req, err)
		}
		r.logf("manim %s ready", v)
	}

	noLatex := cfg.Render.LatexCheck && !r.latexExists()
	if noLatex {
		r.logf("latex not found; TeX mobjects will be rewritten")
	}

	var seq atomic.Int32
	transcript := func(op, kind, text string) {
		n := int(seq.Add(1))
		if err := r.store.SavePrompt(req.RunID, op+"-"+kind, n, text); err != nil {
			log.Warn("save prompt", zap.Error(err))
		}
	}
	agentOpts := []agent.Option{
		agent.WithOutputRetries(cfg.LLM.OutputRetries),
		agent.WithTemperature(cfg.LLM.Temperature),
		agent.WithLogger(log),
		agent.WithTranscript(transcript),
		agent.WithTemplates(r.loader),
		agent.WithoutLatex(noLatex),
	}
	coder := agent.NewCoder(r.codeLLM, agentOpts...)

	sceneFile := req.SceneFile
	if sceneFile == "" {
		sceneFile = cfg.Pipeline.SceneFile
	}
	linter := checks.NewLinter(r.cmd, session.Dir, sceneFile, checks.LintConfig{
		Command: cfg.Lint.Command,
		Parser:  cfg.Lint.Parser,
		Timeout: config.Duration(cfg.Lint.Timeout, 2*time.Minute),
	})
	renderer := checks.NewRenderer(r.cmd, session.Dir, sceneFile, checks.RenderConfig{
		Command:    cfg.Render.Command,
		Quality:    cfg.Render.Quality,
		OutputName: cfg.Render.OutputName,
		Timeout:    config.Duration(cfg.Render.Timeout, 10*time.Minute),
	})

	engineOpts := []stage.Option{
		stage.WithLogger(log),
		stage.WithToolOutputs(r.store),
		stage.WithProgress(r.progress),
	}
	if r.db != nil {
		engineOpts = append(engineOpts, stage.WithEvents(r.db))
	}
	engine := stage.NewEngine(stage.Capabilities{
		Upgrader:  agent.NewUpgrader(r.upgradeLLM, agentOpts...),
		Generator: coder,
		Repairer:  coder,
		Linter:    linter,
		Renderer:  renderer,
		Docs:      r.docs,
	}, engineOpts...)

	res, runErr := engine.Run(ctx, req.Prompt, r.runOpts(req, noLatex))
	res.SessionDir = session.Dir

	if res.Code.Source != "" {
		if err := pipeline.WriteAtomic(filepath.Join(session.Dir, sceneFile), []byte(res.Code.Source)); err != nil {
			log.Warn("write final scene", zap.Error(err))
		}
	}

	published := ""
	if res.OK && !req.NoPublish && cfg.Output.ServingDir != "" {
		title := ""
		if res.Upgraded != nil {
			title = res.Upgraded.Title
		}
		if published, err = workspace.Publish(res.VideoPath, cfg.Output.ServingDir, title, req.RunID, r.now()); err != nil {
			log.Warn("publish video", zap.Error(err))
			published = ""
		} else {
			r.logf("published %s", published)
		}
	}

	r.persist(req, res, published)
	return runOutcome{Result: res, Published: published, Err: runErr}
}

func (r *runner) runOpts(req runRequest, noLatex bool) stage.RunOpts {
	p := r.cfg.Pipeline
	opts := stage.RunOpts{
		RunID:              req.RunID,
		MaxLintRounds:      zeroMeansNone(p.MaxLintRounds),
		MaxRenderFixRounds: zeroMeansNone(p.MaxRenderFixRounds),
		MaxTotalFixPasses:  p.MaxTotalFixPasses,
		SceneName:          p.SceneName,
		ExtraContext:       p.ExtraContext,
		NoLatex:            noLatex,
	}
	if req.SceneName != "" {
		opts.SceneName = req.SceneName
	}
	if req.Extra != "" {
		opts.ExtraContext = req.Extra
	}
	if b := req.Budgets.MaxLintRounds; b >= 0 {
		opts.MaxLintRounds = zeroMeansNone(b)
	}
	if b := req.Budgets.MaxRenderFixRounds; b >= 0 {
		opts.MaxRenderFixRounds = zeroMeansNone(b)
	}
	if b := req.Budgets.MaxTotalFixPasses; b >= 0 {
		opts.MaxTotalFixPasses = b
	}
	return opts
}

// zeroMeansNone maps a configured 0 to the engine's "no fix passes" value.
func zeroMeansNone(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// abort records a run that failed before the pipeline started.
func (r *runner) abort(req runRequest, err error) runOutcome {
	res := &pipeline.Result{
		RunID:      req.RunID,
		Error:      err.Error(),
		SessionDir: r.ws.Path(req.RunID),
		StartedAt:  r.now(),
	}
	r.persist(req, res, "")
	return runOutcome{Result: res, Err: err}
}

// persist writes result.json and the database row. Best-effort: failures are
// logged.
func (r *runner) persist(req runRequest, res *pipeline.Result, published string) {
	if err := r.store.SaveResult(res); err != nil {
		r.logger.Warn("save result", zap.String("run_id", req.RunID), zap.Error(err))
	}
	if r.db != nil {
		if err := r.db.SaveRun(res, req.Prompt, published); err != nil {
			r.logger.Warn("save run", zap.String("run_id", req.RunID), zap.Error(err))
		}
	}
}

func (r *runner) logf(format string, args ...any) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}
