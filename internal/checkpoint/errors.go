package checkpoint

import (
	"errors"
	"fmt"
)

// Load errors.
var (
	ErrMissingParameter    = errors.New("missing parameter")
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrUnexpectedParameter = errors.New("unexpected parameter")
	ErrMissingMetadata     = errors.New("missing metadata")
)

// LoadError names the parameter a load failed on.
type LoadError struct {
	Name    string
	Details string
	Err     error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%v: %q: %s", e.Err, e.Name, e.Details)
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Name)
}

// Unwrap returns the sentinel error.
func (e *LoadError) Unwrap() error {
	return e.Err
}
