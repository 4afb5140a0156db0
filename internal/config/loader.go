package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultSceneName   = "GeneratedScene"
	DefaultSceneFile   = "scene.py"
	DefaultProvider    = "gemini"
	DefaultLintTimeout = "2m"
	DefaultRenderTime  = "10m"
	DefaultLLMTimeout  = "5m"
)

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Pipeline: Pipeline{
			MaxLintRounds:      2,
			MaxRenderFixRounds: 2,
			SceneName:          DefaultSceneName,
			SceneFile:          DefaultSceneFile,
			Concurrency:        2,
		},
		LLM: LLM{
			Provider:      DefaultProvider,
			OutputRetries: 3,
			Temperature:   0.2,
			Timeout:       DefaultLLMTimeout,
		},
		Docs: Docs{
			StaticTips: true,
			Context7: Context7{
				URL:     "https://context7.com/api/v1",
				Library: "/manimcommunity/manim",
				Tokens:  5000,
			},
		},
		Lint: Lint{
			Command: []string{"uv", "run", "ruff", "check", "--output-format", "json", "{file}"},
			Parser:  "ruff",
			Timeout: DefaultLintTimeout,
		},
		Render: Render{
			Command:    []string{"uv", "run", "manim", "{quality}", "-o", "{output}", "{file}", "{scene}"},
			Quality:    "-qm",
			OutputName: "video",
			Timeout:    DefaultRenderTime,
			LatexCheck: true,
		},
		Session: Session{
			BaseDir:   "generated_scenes",
			UseUV:     true,
			Preflight: true,
		},
		Output: Output{
			ServingDir: filepath.Join("public", "videos"),
		},
		DB: DB{
			DSN: filepath.Join(home, ".scenefactory", "scenefactory.db"),
		},
	}
}

// Load reads a configuration file. Keys missing from the file keep their
// Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// SearchPaths returns the config locations LoadDefault tries, in order.
func SearchPaths() []string {
	candidates := []string{"scenefactory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".scenefactory", "config.yaml"))
	}
	return candidates
}

// LoadDefault loads the first config found in SearchPaths. Without any file
// the built-in defaults are returned.
func LoadDefault() (*Config, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// applyDefaults restores values that were explicitly emptied in the file.
func applyDefaults(cfg *Config) {
	def := Default()
	p := &cfg.Pipeline
	if p.SceneName == "" {
		p.SceneName = def.Pipeline.SceneName
	}
	if p.SceneFile == "" {
		p.SceneFile = def.Pipeline.SceneFile
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Timeout == "" {
		cfg.LLM.Timeout = def.LLM.Timeout
	}
	if len(cfg.Lint.Command) == 0 {
		cfg.Lint.Command = def.Lint.Command
	}
	if cfg.Lint.Parser == "" {
		cfg.Lint.Parser = "generic"
	}
	if cfg.Lint.Timeout == "" {
		cfg.Lint.Timeout = def.Lint.Timeout
	}
	if len(cfg.Render.Command) == 0 {
		cfg.Render.Command = def.Render.Command
	}
	if cfg.Render.Quality == "" {
		cfg.Render.Quality = def.Render.Quality
	}
	if cfg.Render.OutputName == "" {
		cfg.Render.OutputName = def.Render.OutputName
	}
	if cfg.Render.Timeout == "" {
		cfg.Render.Timeout = def.Render.Timeout
	}
	if cfg.Session.BaseDir == "" {
		cfg.Session.BaseDir = def.Session.BaseDir
	}
	if cfg.Docs.Context7.Tokens <= 0 {
		cfg.Docs.Context7.Tokens = def.Docs.Context7.Tokens
	}
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = def.DB.DSN
	}
}
