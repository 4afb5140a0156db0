// Package pysrc inspects generated Python scene sources with Tree-sitter.
package pysrc

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Outline summarizes a parsed Python source.
type Outline struct {
	Classes []Class
	// SyntaxErrorLine is the 1-based line of the first ERROR or MISSING
	// node, or 0 when the source parsed cleanly.
	SyntaxErrorLine int
}

// Class is a top-level class definition.
type Class struct {
	Name  string
	Bases []string
	Line  int
}

// HasClass reports whether a top-level class called name exists.
func (o Outline) HasClass(name string) bool {
	for _, c := range o.Classes {
		if c.Name == name {
			return true
		}
	}
	return false
}

// SceneClasses returns the classes deriving from a Manim scene type.
func (o Outline) SceneClasses() []Class {
	var out []Class
	for _, c := range o.Classes {
		for _, b := range c.Bases {
			if isSceneBase(b) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func isSceneBase(base string) bool {
	switch base {
	case "Scene", "MovingCameraScene", "ThreeDScene", "ZoomedScene", "VectorScene", "LinearTransformationScene":
		return true
	}
	return false
}

// Inspect parses source and returns its outline. The error is non-nil only
// when the parser itself fails; syntax errors are reported in the outline.
func Inspect(ctx context.Context, source string) (Outline, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	content := []byte(source)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Outline{}, fmt.Errorf("parse python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var out Outline
	if root.HasError() {
		out.SyntaxErrorLine = firstErrorLine(root)
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node.Type() == "decorated_definition" {
			if def := node.ChildByFieldName("definition"); def != nil {
				node = def
			}
		}
		if node.Type() != "class_definition" {
			continue
		}
		name := node.ChildByFieldName("name")
		if name == nil {
			continue
		}
		cls := Class{
			Name: name.Content(content),
			Line: int(node.StartPoint().Row) + 1,
		}
		if args := node.ChildByFieldName("superclasses"); args != nil {
			for j := 0; j < int(args.NamedChildCount()); j++ {
				arg := args.NamedChild(j)
				switch arg.Type() {
				case "identifier":
					cls.Bases = append(cls.Bases, arg.Content(content))
				case "attribute":
					if attr := arg.ChildByFieldName("attribute"); attr != nil {
						cls.Bases = append(cls.Bases, attr.Content(content))
					}
				}
			}
		}
		out.Classes = append(out.Classes, cls)
	}
	return out, nil
}

func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.HasError() || child.IsMissing() {
			if line := firstErrorLine(child); line > 0 {
				return line
			}
		}
	}
	return 0
}
