// Package workspace manages per-run session directories: creation, the
// isolated uv project Manim renders in, preflight checks and publishing of the
// finished video.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/scenefactory/internal/checks"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// BasePackages are always added to a uv session.
var BasePackages = []string{"manim", "pydantic", "ruff"}

// Manager creates and prepares session directories under baseDir.
type Manager struct {
	cmd      checks.CommandRunner
	baseDir  string
	lookPath func(string) (string, error)
	timeout  time.Duration
}

// NewManager creates a workspace manager.
func NewManager(cmd checks.CommandRunner, baseDir string) *Manager {
	return &Manager{cmd: cmd, baseDir: baseDir, lookPath: exec.LookPath, timeout: 10 * time.Minute}
}

// Session is one prepared run directory.
type Session struct {
	ID  string
	Dir string
}

// Path returns the session directory for id without creating it.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.baseDir, id)
}

// Create makes the session directory for id. Existing directories are reused.
func (m *Manager) Create(id string) (*Session, error) {
	if err := pipeline.ValidateRunID(id); err != nil {
		return nil, err
	}
	dir := m.Path(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Session{ID: id, Dir: dir}, nil
}

// PrepareOpts controls uv project setup.
type PrepareOpts struct {
	UseUV         bool
	ExtraPackages []string
	Quiet         bool
}

// Prepare turns the session directory into a uv project with Manim and the
// linter installed. An existing pyproject.toml skips `uv init`.
func (m *Manager) Prepare(ctx context.Context, s *Session, opts PrepareOpts) error {
	if !opts.UseUV {
		return nil
	}
	if _, err := m.lookPath("uv"); err != nil {
		return fmt.Errorf("uv CLI not found on PATH; install it from https://docs.astral.sh/uv/")
	}

	var q []string
	if opts.Quiet {
		q = []string{"-q"}
	}
	if _, err := os.Stat(filepath.Join(s.Dir, "pyproject.toml")); os.IsNotExist(err) {
		if err := m.run(ctx, s.Dir, append([]string{"uv", "init"}, q...)); err != nil {
			return err
		}
	}

	argv := append([]string{"uv", "add"}, q...)
	argv = append(argv, packages(opts.ExtraPackages)...)
	return m.run(ctx, s.Dir, argv)
}

// packages returns the base packages followed by extras, without duplicates.
func packages(extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append(append([]string{}, BasePackages...), extra...) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Preflight imports manim inside the session and returns its version.
func (m *Manager) Preflight(ctx context.Context, s *Session, useUV bool) (string, error) {
	argv := []string{"python", "-c", "import manim, sys; print(getattr(manim, '__version__', 'unknown')); sys.exit(0)"}
	if useUV {
		argv = append([]string{"uv", "run"}, argv...)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	stdout, stderr, code, err := m.cmd.Run(ctx, s.Dir, argv)
	if err != nil {
		return "", fmt.Errorf("preflight: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("preflight: manim import failed (exit %d): %s", code, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

// LatexAvailable reports whether a latex binary is on PATH.
func (m *Manager) LatexAvailable() bool {
	_, err := m.lookPath("latex")
	return err == nil
}

// Remove deletes a session directory.
func (m *Manager) Remove(id string) error {
	if err := pipeline.ValidateRunID(id); err != nil {
		return err
	}
	return os.RemoveAll(m.Path(id))
}

func (m *Manager) run(ctx context.Context, dir string, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, stderr, code, err := m.cmd.Run(ctx, dir, argv)
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	if code != 0 {
		return fmt.Errorf("%s: exit %d: %s", strings.Join(argv, " "), code, strings.TrimSpace(stderr))
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeTitle turns a title into a file-name fragment.
func sanitizeTitle(title string) string {
	s := unsafeName.ReplaceAllString(strings.TrimSpace(title), "_")
	s = strings.Trim(s, "_.-")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "_.-")
	}
	if s == "" {
		return "scene"
	}
	return s
}

// PublishName returns the served file name for a video. The run id keeps
// concurrent runs with the same title and second apart.
func PublishName(title, runID string, at time.Time) string {
	name := at.UTC().Format("20060102-150405") + "_" + sanitizeTitle(title)
	if id := strings.Trim(unsafeName.ReplaceAllString(runID, "_"), "_.-"); id != "" {
		name += "_" + id
	}
	return name + ".mp4"
}

// Publish copies the rendered video into servingDir and returns the new path.
func Publish(videoPath, servingDir, title, runID string, at time.Time) (string, error) {
	if servingDir == "" {
		return "", fmt.Errorf("publish: no serving directory configured")
	}
	dst := filepath.Join(servingDir, PublishName(title, runID, at))
	if err := pipeline.CopyAtomic(videoPath, dst); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return dst, nil
}
