package config

// Config is the top-level configuration parsed from scenefactory.yaml.
type Config struct {
	Pipeline     Pipeline `yaml:"pipeline"`
	LLM          LLM      `yaml:"llm"`
	Docs         Docs     `yaml:"docs"`
	Lint         Lint     `yaml:"lint"`
	Render       Render   `yaml:"render"`
	Session      Session  `yaml:"session"`
	Output       Output   `yaml:"output"`
	DB           DB       `yaml:"db"`
	TemplatesDir string   `yaml:"templates_dir"`
}

// Pipeline holds the repair-loop budgets and scene defaults.
type Pipeline struct {
	MaxLintRounds      int    `yaml:"max_lint_rounds"`
	MaxRenderFixRounds int    `yaml:"max_render_fix_rounds"`
	MaxTotalFixPasses  int    `yaml:"max_total_fix_passes"` // 0 = no combined cap
	SceneName          string `yaml:"scene_name"`
	SceneFile          string `yaml:"scene_file"`
	ExtraContext       string `yaml:"extra_context"`
	Concurrency        int    `yaml:"concurrency"` // parallel runs for `batch`
}

// LLM selects the model provider and output handling.
type LLM struct {
	Provider      string  `yaml:"provider"` // gemini | openrouter
	UpgradeModel  string  `yaml:"upgrade_model"`
	CodeModel     string  `yaml:"code_model"`
	OutputRetries int     `yaml:"output_retries"`
	Temperature   float64 `yaml:"temperature"`
	Timeout       string  `yaml:"timeout"`
	BaseURL       string  `yaml:"base_url"` // openrouter only
}

// Docs configures the reference text added to prompts.
type Docs struct {
	StaticTips bool     `yaml:"static_tips"`
	Context7   Context7 `yaml:"context7"`
}

// Context7 configures the Context7 documentation fetch.
type Context7 struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Library string `yaml:"library"`
	Topic   string `yaml:"topic"`
	Tokens  int    `yaml:"tokens"`
}

// Lint defines the lint command.
type Lint struct {
	Command []string `yaml:"command"`
	Parser  string   `yaml:"parser"`
	Timeout string   `yaml:"timeout"`
}

// Render defines the render command.
type Render struct {
	Command    []string `yaml:"command"`
	Quality    string   `yaml:"quality"`
	OutputName string   `yaml:"output_name"`
	Timeout    string   `yaml:"timeout"`
	LatexCheck bool     `yaml:"latex_check"`
}

// Session configures per-run working directories.
type Session struct {
	BaseDir       string   `yaml:"base_dir"`
	UseUV         bool     `yaml:"use_uv"`
	ExtraPackages []string `yaml:"extra_packages"`
	Preflight     bool     `yaml:"preflight"`
}

// Output configures where finished videos are published.
type Output struct {
	ServingDir string `yaml:"serving_dir"`
}

// DB selects the run database. A postgres:// DSN uses PostgreSQL; anything
// else is a SQLite path.
type DB struct {
	DSN string `yaml:"dsn"`
}
