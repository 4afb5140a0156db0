package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
pipeline:
  max_lint_rounds: 3
  max_render_fix_rounds: 1
  max_total_fix_passes: 4
  scene_name: CircleScene
  extra_context: "Audience: high school"
  concurrency: 4
llm:
  provider: openrouter
  code_model: anthropic/claude-sonnet-4
  output_retries: 2
docs:
  static_tips: false
  context7:
    enabled: true
    topic: animations
lint:
  command: ["ruff", "check", "--output-format", "json", "{file}"]
  timeout: "30s"
render:
  quality: "-ql"
  latex_check: false
session:
  base_dir: /tmp/scenes
  use_uv: false
  extra_packages: [numpy]
output:
  serving_dir: /srv/videos
db:
  dsn: postgres://factory@localhost/scenes
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenefactory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeTemp(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Pipeline
	if p.MaxLintRounds != 3 || p.MaxRenderFixRounds != 1 || p.MaxTotalFixPasses != 4 {
		t.Errorf("budgets = %d/%d/%d", p.MaxLintRounds, p.MaxRenderFixRounds, p.MaxTotalFixPasses)
	}
	if p.SceneName != "CircleScene" {
		t.Errorf("SceneName = %q", p.SceneName)
	}
	if p.SceneFile != DefaultSceneFile {
		t.Errorf("SceneFile should default, got %q", p.SceneFile)
	}
	if cfg.LLM.Provider != "openrouter" || cfg.LLM.OutputRetries != 2 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("Temperature should keep its default, got %v", cfg.LLM.Temperature)
	}
	if cfg.Docs.StaticTips {
		t.Error("StaticTips should be false")
	}
	if !cfg.Docs.Context7.Enabled || cfg.Docs.Context7.Library != "/manimcommunity/manim" || cfg.Docs.Context7.Tokens != 5000 {
		t.Errorf("Context7 = %+v", cfg.Docs.Context7)
	}
	if cfg.Lint.Parser != "ruff" {
		t.Errorf("Lint.Parser should keep its default, got %q", cfg.Lint.Parser)
	}
	if cfg.Lint.Command[0] != "ruff" {
		t.Errorf("Lint.Command = %v", cfg.Lint.Command)
	}
	if cfg.Render.Quality != "-ql" || cfg.Render.LatexCheck {
		t.Errorf("Render = %+v", cfg.Render)
	}
	if cfg.Render.OutputName != "video" {
		t.Errorf("OutputName = %q", cfg.Render.OutputName)
	}
	if cfg.Session.UseUV || !cfg.Session.Preflight {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.DB.DSN != "postgres://factory@localhost/scenes" {
		t.Errorf("DSN = %q", cfg.DB.DSN)
	}

	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("expected valid config, got %v", errs)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Pipeline.MaxLintRounds != 2 || cfg.Pipeline.MaxRenderFixRounds != 2 || cfg.Pipeline.MaxTotalFixPasses != 0 {
		t.Errorf("unexpected budgets %+v", cfg.Pipeline)
	}
	if strings.Join(cfg.Render.Command, " ") != strings.Join(def.Render.Command, " ") {
		t.Errorf("Render.Command = %v", cfg.Render.Command)
	}
	if !cfg.Session.UseUV || !cfg.Render.LatexCheck || !cfg.Docs.StaticTips {
		t.Error("boolean defaults should be on")
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("defaults should validate, got %v", errs)
	}
}

func TestLoad_ExplicitlyEmptiedValuesRestored(t *testing.T) {
	cfg, err := Load(writeTemp(t, "pipeline:\n  scene_name: \"\"\n  concurrency: 0\nlint:\n  command: []\n  parser: \"\"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.SceneName != DefaultSceneName {
		t.Errorf("SceneName = %q", cfg.Pipeline.SceneName)
	}
	if cfg.Pipeline.Concurrency != 1 {
		t.Errorf("Concurrency = %d", cfg.Pipeline.Concurrency)
	}
	if len(cfg.Lint.Command) == 0 {
		t.Error("Lint.Command should be restored")
	}
	if cfg.Lint.Parser != "generic" {
		t.Errorf("Lint.Parser = %q, want generic", cfg.Lint.Parser)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	_, err := Load(writeTemp(t, "pipeline: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.MaxTotalFixPasses = -1
	cfg.Pipeline.SceneName = "1Scene"
	cfg.Pipeline.SceneFile = "../scene.py"
	cfg.LLM.Provider = "acme"
	cfg.LLM.Temperature = 3
	cfg.Lint.Parser = "eslint"
	cfg.Render.Timeout = "soon"
	cfg.Render.OutputName = "a/b"
	cfg.Docs.Context7 = Context7{Enabled: true}

	errs := Validate(cfg)
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"pipeline.max_total_fix_passes",
		"pipeline.scene_name",
		"pipeline.scene_file",
		"llm.provider",
		"llm.temperature",
		"lint.parser",
		"render.timeout",
		"render.output_name",
		"docs.context7.library",
	} {
		if !fields[want] {
			t.Errorf("missing validation error for %s (got %v)", want, errs)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	e := ValidationError{Field: "llm.provider", Message: "is required"}
	if e.Error() != "llm.provider: is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestIsIdentifier(t *testing.T) {
	for s, want := range map[string]bool{
		"GeneratedScene": true,
		"_Scene2":        true,
		"":               false,
		"2Scene":         false,
		"My-Scene":       false,
	} {
		if got := isIdentifier(s); got != want {
			t.Errorf("isIdentifier(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("Duration = %v", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("empty should fall back, got %v", got)
	}
	if got := Duration("-1s", time.Minute); got != time.Minute {
		t.Errorf("negative should fall back, got %v", got)
	}
}

func TestLoadDefault_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want none", path)
	}
	if cfg.Pipeline.SceneName != DefaultSceneName {
		t.Errorf("SceneName = %q", cfg.Pipeline.SceneName)
	}
}

func TestLoadDefault_LocalFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	if err := os.WriteFile(filepath.Join(dir, "scenefactory.yaml"), []byte("pipeline:\n  max_lint_rounds: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if path != "scenefactory.yaml" || cfg.Pipeline.MaxLintRounds != 5 {
		t.Errorf("path=%q rounds=%d", path, cfg.Pipeline.MaxLintRounds)
	}
}

func TestReadEnvFileVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport GEMINI_API_KEY=abc123\nOPENROUTER_API_KEY=\"quoted\"\nBROKEN\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := readEnvFileVar(path, EnvGeminiKey); got != "abc123" {
		t.Errorf("gemini = %q", got)
	}
	if got := readEnvFileVar(path, EnvOpenRouterKey); got != "quoted" {
		t.Errorf("openrouter = %q", got)
	}
	if got := readEnvFileVar(path, "MISSING"); got != "" {
		t.Errorf("missing = %q", got)
	}
	if got := readEnvFileVar(filepath.Join(t.TempDir(), "nope"), "X"); got != "" {
		t.Errorf("missing file = %q", got)
	}
}

func TestSecret_EnvThenFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".scenefactory"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".scenefactory", ".env"), []byte("CONTEXT7_API_KEY=fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvContext7Key, "")
	if got := Secret(EnvContext7Key); got != "fromfile" {
		t.Errorf("Secret = %q, want fromfile", got)
	}
	t.Setenv(EnvContext7Key, "fromenv")
	if got := Secret(EnvContext7Key); got != "fromenv" {
		t.Errorf("Secret = %q, want fromenv", got)
	}
	t.Setenv(EnvGeminiKey, "g")
	t.Setenv(EnvOpenRouterKey, "o")
	if ProviderKey("openrouter") != "o" || ProviderKey("gemini") != "g" {
		t.Error("ProviderKey picked the wrong variable")
	}
}
