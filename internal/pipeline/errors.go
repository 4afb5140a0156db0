package pipeline

import (
	"errors"
	"fmt"
)

// ErrFatalGeneration marks a prompt-upgrade or initial code-generation failure.
// Such failures have no retry path and abort the run.
var ErrFatalGeneration = errors.New("fatal generation failure")

// GenerationError is returned by the LLM collaborators when a call fails or
// the model output is empty or malformed.
type GenerationError struct {
	Op  string // "upgrade", "generate", "repair"
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewGenerationError wraps err as a GenerationError for op.
func NewGenerationError(op string, err error) *GenerationError {
	return &GenerationError{Op: op, Err: err}
}

// fatalError ties a GenerationError to ErrFatalGeneration so callers can match
// either with errors.Is / errors.As.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("%v: %v", ErrFatalGeneration, e.cause)
}

func (e *fatalError) Unwrap() []error {
	return []error{ErrFatalGeneration, e.cause}
}

// Fatal wraps err so that errors.Is(err, ErrFatalGeneration) holds.
func Fatal(err error) error {
	return &fatalError{cause: err}
}
