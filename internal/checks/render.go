package checks

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// RenderConfig mirrors config.Render with the fields the renderer needs.
type RenderConfig struct {
	// Command is the argv; {file}, {scene}, {quality} and {output} are replaced.
	Command    []string
	Quality    string
	OutputName string
	Timeout    time.Duration
}

// Renderer runs the configured render command for one session directory.
type Renderer struct {
	cmd  CommandRunner
	dir  string
	file string
	cfg  RenderConfig
}

// NewRenderer creates a Renderer bound to dir/file.
func NewRenderer(cmd CommandRunner, dir string, file string, cfg RenderConfig) *Renderer {
	if cfg.OutputName == "" {
		cfg.OutputName = "video"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Renderer{cmd: cmd, dir: dir, file: file, cfg: cfg}
}

// Render writes code to the scene file and renders its scene. A run only
// counts as OK when the command exits 0 and the video artifact exists.
func (r *Renderer) Render(ctx context.Context, code pipeline.GeneratedCode) pipeline.RenderResult {
	if err := writeScene(r.dir, r.file, code); err != nil {
		return pipeline.RenderResult{OK: false, ExitCode: -1, Stderr: err.Error()}
	}

	argv := ExpandArgs(r.cfg.Command, map[string]string{
		"file":    r.file,
		"scene":   code.SceneName,
		"quality": r.cfg.Quality,
		"output":  r.cfg.OutputName,
	})
	started := time.Now()
	inv := invoke(ctx, r.cmd, r.dir, argv, r.cfg.Timeout)

	res := pipeline.RenderResult{
		Stderr:     inv.Stderr,
		Output:     inv.combined(),
		ExitCode:   inv.ExitCode,
		DurationMs: inv.DurationMs,
	}
	if inv.Err != nil {
		res.Stderr = appendLine(inv.Stderr, inv.Err.Error())
		return res
	}
	if inv.ExitCode != 0 {
		if res.Stderr == "" {
			// Some failures only reach stdout.
			res.Stderr = inv.Stdout
		}
		return res
	}

	artifact, err := findArtifact(r.dir, r.cfg.OutputName+".mp4", started)
	if err != nil {
		res.Stderr = appendLine(inv.Stderr, fmt.Sprintf("render exited 0 but %s.mp4 was not produced: %v", r.cfg.OutputName, err))
		return res
	}
	res.OK = true
	res.ArtifactPath = artifact
	return res
}

// findArtifact returns the newest file called name under dir that was
// written at or after since.
func findArtifact(dir, name string, since time.Time) (string, error) {
	var newest string
	var newestMod time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() != name {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if newest == "" {
		return "", fmt.Errorf("no %s under %s", name, dir)
	}
	// Allow for coarse filesystem timestamps.
	if newestMod.Before(since.Add(-2 * time.Second)) {
		return "", fmt.Errorf("newest %s predates this render", name)
	}
	return newest, nil
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}
