// Package errors provides error wrapping utilities, the sentinel errors shared
// across the worker and a per-item failure type for batch operations.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors callers match with Is.
var (
	ErrMissingPrompt    = stderrors.New("input.prompt (ComfyUI API prompt JSON) required")
	ErrUnknownAction    = stderrors.New("unknown action")
	ErrJobTimeout       = stderrors.New("job deadline exceeded")
	ErrEngine           = stderrors.New("engine request failed")
	ErrArtifactsMissing = stderrors.New("artifacts unavailable")
	ErrNoStrategy       = stderrors.New("no transfer strategy accepts link")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Join returns an error wrapping the given errors, nil entries discarded.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// Failure is one item of a batch operation that did not succeed.
type Failure struct {
	Item string `json:"item"`
	Err  string `json:"error"`
}

// NewFailure builds a Failure for item from err.
func NewFailure(item string, err error) Failure {
	return Failure{Item: item, Err: err.Error()}
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Item, f.Err)
}
