// Package docs supplies the reference text injected into generation and
// repair prompts.
package docs

import (
	"context"
	"strings"

	"github.com/lucasnoah/scenefactory/internal/prompt"
)

// Supplier returns reference text. Implementations never fail: problems are
// reported inside the returned text or by omitting it.
type Supplier interface {
	Reference(ctx context.Context) string
}

// Static is a fixed reference text.
type Static string

// Reference returns the text.
func (s Static) Reference(context.Context) string {
	return string(s)
}

// StaticTips loads the Manim tips template through l.
func StaticTips(l prompt.Loader) (Static, error) {
	text, err := l.Load(prompt.Tips)
	if err != nil {
		return "", err
	}
	return Static(strings.TrimSpace(text)), nil
}

// Combined joins the non-empty references of its suppliers in order.
type Combined []Supplier

// Reference concatenates each supplier's text separated by a blank line.
func (c Combined) Reference(ctx context.Context) string {
	var parts []string
	for _, s := range c {
		if s == nil {
			continue
		}
		if text := strings.TrimSpace(s.Reference(ctx)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
