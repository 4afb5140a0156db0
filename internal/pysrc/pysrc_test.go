package pysrc

import (
	"context"
	"testing"
)

func TestInspect_SceneClass(t *testing.T) {
	src := `from manim import *
import manim


class Helper:
    pass


class GeneratedScene(Scene):
    def construct(self):
        self.play(Create(Circle()))


class Other(manim.MovingCameraScene):
    pass
`
	out, err := Inspect(context.Background(), src)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if out.SyntaxErrorLine != 0 {
		t.Errorf("unexpected syntax error at line %d", out.SyntaxErrorLine)
	}
	if len(out.Classes) != 3 {
		t.Fatalf("expected 3 classes, got %+v", out.Classes)
	}
	if !out.HasClass("GeneratedScene") {
		t.Error("GeneratedScene not found")
	}
	if out.Classes[1].Line != 9 {
		t.Errorf("GeneratedScene line = %d, want 9", out.Classes[1].Line)
	}
	scenes := out.SceneClasses()
	if len(scenes) != 2 || scenes[0].Name != "GeneratedScene" || scenes[1].Name != "Other" {
		t.Errorf("scene classes = %+v", scenes)
	}
}

func TestInspect_SyntaxError(t *testing.T) {
	src := "class GeneratedScene(Scene):\n    def construct(self)\n        pass\n"
	out, err := Inspect(context.Background(), src)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if out.SyntaxErrorLine == 0 {
		t.Error("expected a syntax error to be reported")
	}
}

func TestInspect_Empty(t *testing.T) {
	out, err := Inspect(context.Background(), "")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(out.Classes) != 0 || out.HasClass("GeneratedScene") {
		t.Error("empty source has no classes")
	}
}
