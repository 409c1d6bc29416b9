// Package apperr defines the failure taxonomy shared by both pipelines and the
// mapping from failure kind to process exit code.
package apperr

import (
	"errors"
	"fmt"

	"github.com/iancoleman/strcase"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInsufficientData Kind = "InsufficientData"
	KindInvalidInput     Kind = "InvalidInput"
	KindModelFit         Kind = "ModelFit"
	KindDataSource       Kind = "DataSource"
	KindConfig           Kind = "Config"
	KindInternal         Kind = "Internal"
)

// WireName is the snake_case form used in JSON diagnostics and metric labels.
func (k Kind) WireName() string {
	return strcase.ToSnake(string(k))
}

// ExitCode is the process exit status for a failure of this kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindInvalidInput:
		return 2
	case KindInsufficientData:
		return 3
	case KindModelFit:
		return 4
	case KindDataSource:
		return 5
	default:
		return 1
	}
}

// Error is a classified failure. Op names the stage that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func InsufficientData(op, format string, args ...any) error {
	return newf(KindInsufficientData, op, format, args...)
}

func InvalidInput(op, format string, args ...any) error {
	return newf(KindInvalidInput, op, format, args...)
}

func ModelFit(op, format string, args ...any) error {
	return newf(KindModelFit, op, format, args...)
}

func Config(op, format string, args ...any) error {
	return newf(KindConfig, op, format, args...)
}

// DataSource wraps an error from the history store.
func DataSource(op string, err error) error {
	return &Error{Kind: KindDataSource, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Diagnostic is the single structured message emitted for a failure.
type Diagnostic struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// NewDiagnostic builds the wire form of err.
func NewDiagnostic(err error) Diagnostic {
	return Diagnostic{Kind: KindOf(err).WireName(), Error: err.Error()}
}
