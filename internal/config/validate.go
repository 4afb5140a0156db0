package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/scenefactory/internal/checks"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedProviders = map[string]bool{
	"gemini":     true,
	"google":     true,
	"openrouter": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	p := cfg.Pipeline
	if p.MaxTotalFixPasses < 0 {
		add("pipeline.max_total_fix_passes", "must be >= 0 (0 disables the cap)")
	}
	if !isIdentifier(p.SceneName) {
		add("pipeline.scene_name", "%q is not a valid Python class name", p.SceneName)
	}
	if strings.ContainsAny(p.SceneFile, `/\`) || !strings.HasSuffix(p.SceneFile, ".py") {
		add("pipeline.scene_file", "must be a plain .py file name, got %q", p.SceneFile)
	}

	if !recognizedProviders[cfg.LLM.Provider] {
		add("llm.provider", "unrecognized provider %q (want gemini or openrouter)", cfg.LLM.Provider)
	}
	if cfg.LLM.OutputRetries < 0 {
		add("llm.output_retries", "must be >= 0")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add("llm.temperature", "must be between 0 and 2")
	}

	if len(cfg.Lint.Command) == 0 {
		add("lint.command", "is required")
	}
	if !checks.KnownParser(cfg.Lint.Parser) {
		add("lint.parser", "unrecognized parser %q", cfg.Lint.Parser)
	}
	if len(cfg.Render.Command) == 0 {
		add("render.command", "is required")
	}
	if strings.ContainsAny(cfg.Render.OutputName, `/\`) {
		add("render.output_name", "must not contain path separators")
	}

	for field, v := range map[string]string{
		"llm.timeout":    cfg.LLM.Timeout,
		"lint.timeout":   cfg.Lint.Timeout,
		"render.timeout": cfg.Render.Timeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			add(field, "invalid duration %q", v)
		}
	}

	if cfg.Docs.Context7.Enabled && cfg.Docs.Context7.Library == "" {
		add("docs.context7.library", "is required when context7 is enabled")
	}
	if cfg.Session.BaseDir == "" {
		add("session.base_dir", "is required")
	}
	return errs
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Duration parses s, falling back to def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
