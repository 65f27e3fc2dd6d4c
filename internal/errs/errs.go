// Package errs holds the error types shared by the barcode, count and
// source packages.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrFinalized is the cause of every StateError.
var ErrFinalized = errors.New("already finalized")

// FormatError reports malformed whitelist, triple or matrix input.
type FormatError struct {
	Path string // "" when reading from a stream
	Line int    // 1-based, 0 when not line oriented
	Msg  string
}

func (e *FormatError) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Msg)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Formatf builds a FormatError.
func Formatf(path string, line int, format string, a ...interface{}) error {
	return &FormatError{Path: path, Line: line, Msg: fmt.Sprintf(format, a...)}
}

// StateError reports an operation on a finalized builder.
type StateError struct {
	Op string
}

func (e *StateError) Error() string {
	return e.Op + ": builder " + ErrFinalized.Error()
}

// Unwrap lets errors.Is(err, ErrFinalized) match.
func (e *StateError) Unwrap() error { return ErrFinalized }
