package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/prompt"
)

// Option configures an Upgrader or a Coder.
type Option func(*settings)

type settings struct {
	caller
	loader  prompt.Loader
	noLatex bool
}

// WithOutputRetries sets how often malformed answers are retried.
func WithOutputRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithTranscript records prompts and answers.
func WithTranscript(t Transcript) Option {
	return func(s *settings) { s.transcript = t }
}

// WithTemplates loads prompts through l.
func WithTemplates(l prompt.Loader) Option {
	return func(s *settings) { s.loader = l }
}

// WithoutLatex tells the coder that no TeX installation is available.
func WithoutLatex(v bool) Option {
	return func(s *settings) { s.noLatex = v }
}

func newSettings(m Model, opts []Option) settings {
	s := settings{caller: caller{
		model:       m,
		retries:     DefaultOutputRetries,
		temperature: 0.2,
		logger:      zap.NewNop(),
	}}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Upgrader expands a raw user request into an UpgradedPrompt.
type Upgrader struct {
	settings
}

// NewUpgrader creates an Upgrader on model m.
func NewUpgrader(m Model, opts ...Option) *Upgrader {
	return &Upgrader{settings: newSettings(m, opts)}
}

type upgradeOutput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Constraints []string `json:"constraints"`
}

// Upgrade runs the upgrade prompt. Empty or malformed answers that survive
// the output retries yield a *pipeline.GenerationError.
func (u *Upgrader) Upgrade(ctx context.Context, raw string) (pipeline.UpgradedPrompt, error) {
	if strings.TrimSpace(raw) == "" {
		return pipeline.UpgradedPrompt{}, pipeline.NewGenerationError("upgrade", fmt.Errorf("empty prompt"))
	}
	system, err := u.loader.RenderNamed(prompt.UpgradeSystem, prompt.Vars{})
	if err != nil {
		return pipeline.UpgradedPrompt{}, pipeline.NewGenerationError("upgrade", err)
	}
	user, err := u.loader.RenderNamed(prompt.Upgrade, prompt.Vars{"user_prompt": raw, "extra_context": ""})
	if err != nil {
		return pipeline.UpgradedPrompt{}, pipeline.NewGenerationError("upgrade", err)
	}

	var out upgradeOutput
	err = u.completeJSON(ctx, "upgrade", Completion{
		System:      system,
		Prompt:      user,
		Schema:      upgradeSchema,
		Temperature: u.temperature,
	}, &out, func() error {
		if strings.TrimSpace(out.Title) == "" || strings.TrimSpace(out.Description) == "" {
			return fmt.Errorf("%w: title and description are required", errInvalidOutput)
		}
		return nil
	})
	if err != nil {
		return pipeline.UpgradedPrompt{}, pipeline.NewGenerationError("upgrade", err)
	}

	up := pipeline.UpgradedPrompt{
		Title:       strings.TrimSpace(out.Title),
		Description: strings.TrimSpace(out.Description),
	}
	for _, c := range out.Constraints {
		if c = strings.TrimSpace(c); c != "" {
			up.Constraints = append(up.Constraints, c)
		}
	}
	u.logger.Info("prompt upgraded", zap.String("title", up.Title), zap.Int("constraints", len(up.Constraints)))
	return up, nil
}
