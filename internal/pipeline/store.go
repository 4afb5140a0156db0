package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

const resultFile = "result.json"

var safeSegmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateRunID rejects ids that are not a single safe path segment.
func ValidateRunID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	if !safeSegmentRe.MatchString(id) {
		return fmt.Errorf("run id %q contains unsupported characters", id)
	}
	return nil
}

// Store manages per-run directories on disk. Each run owns
// <baseDir>/<run-id>/ exclusively: the scene file, saved prompts, raw tool
// output and the final result.json.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RunDir returns the directory for a run. The id must already be validated.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// Create makes the run directory. Re-using an existing id is allowed so a
// caller can resume into the same session directory.
func (s *Store) Create(id string) (string, error) {
	if err := ValidateRunID(id); err != nil {
		return "", err
	}
	dir := s.RunDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// SaveResult writes result.json for the run.
func (s *Store) SaveResult(r *Result) error {
	if err := ValidateRunID(r.RunID); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(s.RunDir(r.RunID), resultFile), r)
}

// GetResult reads the result of a finished run.
func (s *Store) GetResult(id string) (*Result, error) {
	if err := ValidateRunID(id); err != nil {
		return nil, err
	}
	var r Result
	if err := ReadJSON(filepath.Join(s.RunDir(id), resultFile), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return &r, nil
}

// List returns all finished runs, newest first. Pass "" for statusFilter to
// return every run; otherwise only runs whose Status() matches.
func (s *Store) List(statusFilter string) ([]Result, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Result
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.GetResult(entry.Name())
		if err != nil {
			continue // in-flight or broken run
		}
		if statusFilter == "" || r.Status() == statusFilter {
			runs = append(runs, *r)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if err := ValidateRunID(id); err != nil {
		return err
	}
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", id)
	}
	return os.RemoveAll(dir)
}

// SavePrompt stores a rendered agent prompt under prompts/<stage>-<seq>.md.
func (s *Store) SavePrompt(id string, stage string, seq int, prompt string) error {
	path := filepath.Join(s.RunDir(id), "prompts", fmt.Sprintf("%s-%d.md", stage, seq))
	return WriteAtomic(path, []byte(prompt))
}

// SaveToolOutput stores raw tool output under logs/<stage>-<seq>.log.
func (s *Store) SaveToolOutput(id string, stage string, seq int, output string) error {
	path := filepath.Join(s.RunDir(id), "logs", fmt.Sprintf("%s-%d.log", stage, seq))
	return WriteAtomic(path, []byte(output))
}

// GetToolOutput reads a stored tool output log.
func (s *Store) GetToolOutput(id string, stage string, seq int) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(id), "logs", fmt.Sprintf("%s-%d.log", stage, seq)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
