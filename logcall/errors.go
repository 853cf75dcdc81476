package logcall

import (
	"errors"
	"fmt"
	"go/token"
)

// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
var ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")

var (
	// ErrUsage is matched by every malformed or conflicting directive.
	ErrUsage = errors.New("invalid logcall directive")
	// ErrUnsupportedShape is matched when a recognized function shape cannot be instrumented.
	ErrUnsupportedShape = errors.New("unsupported function shape")
	// ErrShapeMismatch is matched when a parameter cannot be resolved to a simple name.
	ErrShapeMismatch = errors.New("function shape mismatch")
	// ErrInspect is returned by a run that stopped to show rendered declarations instead of writing them.
	ErrInspect = errors.New("logcall debug output requested, no files written")
)

// IsNormalAstError returns true if the error should be skipped rather than failing.
func IsNormalAstError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody)
}

// UsageError reports a directive that can not be applied, positioned at the offending token.
type UsageError struct {
	Pos token.Pos
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

func (e *UsageError) Unwrap() error {
	return ErrUsage
}

func usageErrorf(pos token.Pos, format string, args ...any) error {
	return &UsageError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedShapeError reports a function body whose shape is recognized but can not be synthesized.
type UnsupportedShapeError struct {
	Pos   token.Pos
	Shape string
}

func (e *UnsupportedShapeError) Error() string {
	return "unsupported " + e.Shape + " shape"
}

func (e *UnsupportedShapeError) Unwrap() error {
	return ErrUnsupportedShape
}

// ShapeError reports a parameter that would have to be logged but has no usable name.
type ShapeError struct {
	Pos   token.Pos
	Param string
	Msg   string
}

func (e *ShapeError) Error() string {
	if e.Param == "" {
		return e.Msg
	}
	return fmt.Sprintf("parameter %s: %s", e.Param, e.Msg)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// FuncError locates a transformation failure within a source file.
type FuncError struct {
	Position token.Position
	Func     string
	Err      error
}

func (e *FuncError) Error() string {
	if e.Position.IsValid() {
		return fmt.Sprintf("%s: func %s: %v", e.Position, e.Func, e.Err)
	}
	return fmt.Sprintf("func %s: %v", e.Func, e.Err)
}

func (e *FuncError) Unwrap() error {
	return e.Err
}

// errorPos extracts the most specific position carried by an error from this package.
func errorPos(err error) token.Pos {
	var usageErr *UsageError
	var shapeErr *ShapeError
	var unsupportedErr *UnsupportedShapeError
	if errors.As(err, &usageErr) {
		return usageErr.Pos
	} else if errors.As(err, &shapeErr) {
		return shapeErr.Pos
	} else if errors.As(err, &unsupportedErr) {
		return unsupportedErr.Pos
	}
	return token.NoPos
}
