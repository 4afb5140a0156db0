package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/scenefactory/internal/fix"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/prompt"
	"github.com/lucasnoah/scenefactory/internal/pysrc"
)

// DefaultSceneName is the scene class requested when none is configured.
const DefaultSceneName = "GeneratedScene"

// GenerateRequest is the input of the initial code generation.
type GenerateRequest struct {
	Prompt       pipeline.UpgradedPrompt
	SceneName    string
	Reference    string
	ExtraContext string
}

// Coder writes the first version of a scene and repairs single issues.
type Coder struct {
	settings
}

// NewCoder creates a Coder on model m.
func NewCoder(m Model, opts ...Option) *Coder {
	return &Coder{settings: newSettings(m, opts)}
}

type codeOutput struct {
	SceneName string `json:"scene_name"`
	Code      string `json:"code"`
}

// Generate produces the initial scene source.
func (c *Coder) Generate(ctx context.Context, req GenerateRequest) (pipeline.GeneratedCode, error) {
	sceneName := req.SceneName
	if sceneName == "" {
		sceneName = DefaultSceneName
	}

	system, err := c.systemPrompt(sceneName)
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("generate", err)
	}
	skeleton, err := c.loader.RenderNamed(prompt.Skeleton, prompt.Vars{"scene_name": sceneName})
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("generate", err)
	}
	user, err := c.loader.RenderNamed(prompt.Generate, prompt.Vars{
		"brief":         req.Prompt.Brief(),
		"scene_name":    sceneName,
		"skeleton":      strings.TrimRight(skeleton, "\n"),
		"reference":     req.Reference,
		"extra_context": req.ExtraContext,
	})
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("generate", err)
	}

	var out codeOutput
	var resolved string
	err = c.completeJSON(ctx, "generate", Completion{
		System:      system,
		Prompt:      user,
		Schema:      codeSchema,
		Temperature: c.temperature,
	}, &out, func() error {
		out.Code = stripFence(out.Code)
		if strings.TrimSpace(out.Code) == "" {
			return fmt.Errorf("%w: code is empty", errInvalidOutput)
		}
		resolved = resolveSceneName(ctx, out.Code, sceneName, out.SceneName)
		if resolved == "" {
			return fmt.Errorf("%w: code does not define scene class %s", errInvalidOutput, sceneName)
		}
		return nil
	})
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("generate", err)
	}

	if resolved != sceneName {
		c.logger.Warn("model used a different scene name", zap.String("requested", sceneName), zap.String("used", resolved))
	}
	return pipeline.GeneratedCode{SceneName: resolved, Source: ensureNewline(out.Code), Version: 1}, nil
}

// Repair asks for a corrected file addressing req's single issue. Validation
// of the returned source is left to the fix dispatcher.
func (c *Coder) Repair(ctx context.Context, req fix.Request) (pipeline.GeneratedCode, error) {
	sceneName := req.Code.SceneName
	system, err := c.systemPrompt(sceneName)
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("repair", err)
	}
	var constraints string
	if len(req.Constraints) > 0 {
		constraints = "- " + strings.Join(req.Constraints, "\n- ")
	}
	user, err := c.loader.RenderNamed(prompt.Repair, prompt.Vars{
		"scene_name":  sceneName,
		"issue":       req.Description,
		"constraints": constraints,
		"code":        strings.TrimRight(req.Code.Source, "\n"),
		"reference":   req.Reference,
	})
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("repair", err)
	}

	var out codeOutput
	err = c.completeJSON(ctx, "repair", Completion{
		System:      system,
		Prompt:      user,
		Schema:      codeSchema,
		Temperature: c.temperature,
	}, &out, func() error {
		out.Code = stripFence(out.Code)
		if strings.TrimSpace(out.Code) == "" {
			return fmt.Errorf("%w: code is empty", errInvalidOutput)
		}
		return nil
	})
	if err != nil {
		return pipeline.GeneratedCode{}, pipeline.NewGenerationError("repair", err)
	}
	return pipeline.GeneratedCode{SceneName: sceneName, Source: ensureNewline(out.Code)}, nil
}

func (c *Coder) systemPrompt(sceneName string) (string, error) {
	vars := prompt.Vars{"scene_name": sceneName, "no_latex": ""}
	if c.noLatex {
		vars["no_latex"] = "yes"
	}
	return c.loader.RenderNamed(prompt.CodeSystem, vars)
}

var classDefRe = regexp.MustCompile(`(?m)^class\s+([A-Za-z_]\w*)\s*[(:]`)

// resolveSceneName picks the scene class to render: the requested one if
// present, else the one the model named, else the only scene class in code.
func resolveSceneName(ctx context.Context, code, requested, reported string) string {
	var classes []string
	var scenes []string
	if outline, err := pysrc.Inspect(ctx, code); err == nil {
		for _, cl := range outline.Classes {
			classes = append(classes, cl.Name)
		}
		for _, cl := range outline.SceneClasses() {
			scenes = append(scenes, cl.Name)
		}
	}
	if len(classes) == 0 {
		for _, m := range classDefRe.FindAllStringSubmatch(code, -1) {
			classes = append(classes, m[1])
		}
	}

	has := func(name string) bool {
		for _, c := range classes {
			if c == name {
				return true
			}
		}
		return false
	}
	switch {
	case has(requested):
		return requested
	case reported != "" && has(reported):
		return reported
	case len(scenes) == 1:
		return scenes[0]
	}
	return ""
}

// stripFence removes a surrounding markdown code fence.
func stripFence(code string) string {
	s := strings.TrimSpace(code)
	if !strings.HasPrefix(s, "```") {
		return code
	}
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimRight(s, " \n\t"), "```")
	return s
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
