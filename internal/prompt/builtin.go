package prompt

// Template names used by the agents.
const (
	UpgradeSystem = "upgrade-system.md"
	Upgrade       = "upgrade.md"
	CodeSystem    = "code-system.md"
	Generate      = "generate.md"
	Repair        = "repair.md"
	Tips          = "tips.md"
	Skeleton      = "skeleton.py"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	UpgradeSystem: upgradeSystemTemplate,
	Upgrade:       upgradeTemplate,
	CodeSystem:    codeSystemTemplate,
	Generate:      generateTemplate,
	Repair:        repairTemplate,
	Tips:          tipsTemplate,
	Skeleton:      skeletonTemplate,
}

const upgradeSystemTemplate = `You turn short or vague requests for educational Manim animations into a
precise brief that a code generator can follow.

Keep the user's intent. Add what is missing for a good animation: the visual
elements, their layout and colors, the order of animations and rough timing,
and the learning goal. Prefer a small number of clear steps over many effects.
Keep mathematical content exact.

Respond with JSON only:
- "title": a short title for the video
- "description": a vivid description of what is shown, step by step
- "constraints": a list of explicit must-haves (colors, duration, text, level)
`

const upgradeTemplate = `Request:
{{user_prompt}}
{{#if extra_context}}

Additional context from the user:
{{extra_context}}
{{/if}}
`

const codeSystemTemplate = `You write correct, lint-clean Manim Community Edition code.

Rules:
- Produce one complete Python file.
- Define exactly one class deriving from Scene named {{scene_name}}.
- Do not use star imports. Import only the names you use, e.g.
  from manim import Scene, Text, Create, FadeOut, BLUE
- Every referenced identifier must be defined or imported.
- Keep the file self-contained: no network access, no external assets.
- Prefer simple, robust constructs from the Manim documentation.
{{#if no_latex}}
- LaTeX is not installed. Do not use MathTex, Tex or any LaTeX-based mobject;
  use Text instead.
{{/if}}

Respond with JSON only:
- "scene_name": the exact scene class name
- "code": the complete file content
`

const generateTemplate = `# Animation brief
{{brief}}
Write the scene class {{scene_name}} implementing this brief.
{{#if extra_context}}

## Extra context
{{extra_context}}
{{/if}}

## Starting point
Keep the shape of this skeleton and replace its content:

` + "```python" + `
{{skeleton}}
` + "```" + `
{{#if reference}}

## Reference
{{reference}}
{{/if}}
`

const repairTemplate = `# Fix one problem in a Manim scene

Fix only the problem below. Keep everything else intact: the scene class
{{scene_name}}, its behavior, and code unrelated to the problem.

## Problem
{{issue}}
{{#if constraints}}

## Constraints the video must still satisfy
{{constraints}}
{{/if}}

## Current file
` + "```python" + `
{{code}}
` + "```" + `
{{#if reference}}

## Reference
{{reference}}
{{/if}}

Return the complete corrected file.
`

const tipsTemplate = `Key Manim tips:
- Define a class deriving from Scene and implement construct(self).
- Use primitives like Circle, Square, Text, MathTex and animations like Create, Transform, FadeOut.
- Use self.play(...) to run animations and self.add(...) to add static objects.
- Do not use star imports. Import only the names you use, e.g.
  from manim import Scene, Text, MathTex, Create, Transform, FadeOut, BLUE
- Colors are module constants (BLUE, RED, YELLOW); pass them as color=BLUE.
- Position with .to_edge(UP), .next_to(other, DOWN) and .shift(LEFT * 2).
- self.wait() takes a positive duration in seconds.
- Renders use medium quality (-qm); keep scenes short.
`

const skeletonTemplate = `from __future__ import annotations

from manim import BLUE, Create, FadeOut, Scene, Text
from pydantic import BaseModel, Field


class SceneConfig(BaseModel):
    title: str = Field(default="Untitled", description="Title text to display")
    seconds: float = Field(default=3.0, description="Approximate duration")


class {{scene_name}}(Scene):
    def __init__(self, config: SceneConfig | None = None, **kwargs):
        super().__init__(**kwargs)
        self.cfg = config or SceneConfig()

    def construct(self):
        title = Text(self.cfg.title, color=BLUE)
        self.play(Create(title))
        self.wait(self.cfg.seconds)
        self.play(FadeOut(title))
`
