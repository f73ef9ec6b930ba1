package compose

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrResolverExists = errors.New("resolver already registered")
	ErrConfigNotFound = errors.New("config not found")
)

// MissingValueError reports a mandatory value (`???`) left unset.
type MissingValueError struct {
	Path string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing mandatory value: %s", e.Path)
}

// OverrideError reports an override that could not be parsed or applied.
type OverrideError struct {
	Override string
	Reason   string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("override %q: %s", e.Override, e.Reason)
}

// InterpolationError reports an interpolation expression that failed to resolve.
type InterpolationError struct {
	Path       string
	Expression string
	Err        error
}

func (e *InterpolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "interpolation %q at %s", e.Expression, e.Path)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InterpolationError) Unwrap() error {
	return e.Err
}
