// Package agent implements the LLM collaborators of the pipeline: the prompt
// upgrader and the code generator/repairer, on top of pluggable models.
package agent

import (
	"context"
	"fmt"
	"strings"
)

// Completion is one request to a model.
type Completion struct {
	System      string
	Prompt      string
	Schema      *Schema // nil requests free text
	Temperature float64
}

// Model produces a completion for a prompt.
type Model interface {
	Complete(ctx context.Context, c Completion) (string, error)
	Name() string
}

// FieldType is the JSON type of a schema field.
type FieldType string

const (
	FieldString      FieldType = "string"
	FieldStringArray FieldType = "array"
)

// Field is one property of a structured output object.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
}

// Schema describes a flat JSON object the model must return.
type Schema struct {
	Name   string
	Fields []Field
}

// JSONSchema renders the schema as a JSON Schema document.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	required := []string{}
	for _, f := range s.Fields {
		prop := map[string]any{"type": string(f.Type), "description": f.Description}
		if f.Type == FieldStringArray {
			prop["items"] = map[string]any{"type": "string"}
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

var upgradeSchema = &Schema{
	Name: "upgraded_prompt",
	Fields: []Field{
		{Name: "title", Type: FieldString, Description: "Short, clear title for the video", Required: true},
		{Name: "description", Type: FieldString, Description: "Expanded, vivid description of the content", Required: true},
		{Name: "constraints", Type: FieldStringArray, Description: "Explicit constraints or must-haves", Required: true},
	},
}

var codeSchema = &Schema{
	Name: "manim_code",
	Fields: []Field{
		{Name: "scene_name", Type: FieldString, Description: "Exact scene class name to render", Required: true},
		{Name: "code", Type: FieldString, Description: "A complete manim Python file", Required: true},
	},
}

// New builds the model for provider.
func New(ctx context.Context, provider, model, apiKey string) (Model, error) {
	switch strings.ToLower(provider) {
	case "", "gemini", "google":
		return NewGemini(ctx, apiKey, model)
	case "openrouter":
		if apiKey == "" {
			return nil, fmt.Errorf("openrouter: API key is required")
		}
		opts := []OpenRouterOption{WithAPIKey(apiKey)}
		if model != "" {
			opts = append(opts, WithModel(model))
		}
		return NewOpenRouter(opts...), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
