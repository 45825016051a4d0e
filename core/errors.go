package core

import (
	"errors"
	"fmt"

	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
)

// Error kinds. Every error returned by this package that falls into one of
// these classes matches it with errors.Is.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrInvalidUpdate     = errors.New("invalid update")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedStage  = errors.New("unsupported aggregation stage")
	ErrCursorState       = errors.New("invalid cursor state")
	ErrClientClosed      = errors.New("client is closed")
	ErrUnsupportedScheme = errors.New("unsupported connection scheme")
)

// kindError attaches an error kind to a detailed error without changing
// its message.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func withKind(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

func inputErrorf(format string, args ...any) error {
	return withKind(ErrInvalidInput, fmt.Errorf(format, args...))
}

// classify maps compiler errors onto the public error kinds. Errors that are
// already classified or come from the backend pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return err
	}

	var ie *ident.Error
	var fe *qcode.FilterError
	var ue *qcode.UpdateError
	var se *qcode.StageError

	switch {
	case errors.As(err, &ie):
		return withKind(ErrInvalidIdentifier, err)
	case errors.As(err, &fe):
		return withKind(ErrInvalidFilter, err)
	case errors.As(err, &ue):
		return withKind(ErrInvalidUpdate, err)
	case errors.As(err, &se):
		return withKind(ErrUnsupportedStage, err)
	}
	return err
}

type ErrorKind int

const (
	KindDuplicateKey ErrorKind = iota + 1
)

// WriteError is the normalized form of a constraint violation. Err holds the
// backend's own error.
type WriteError struct {
	Kind       ErrorKind
	Collection string
	Index      string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("E11000 duplicate key error collection: %s index: %s", e.Collection, e.Index)
}

func (e *WriteError) Is(target error) bool {
	return target == ErrDuplicateKey && e.Kind == KindDuplicateKey
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// BulkWriteError reports the model that stopped a bulk write. Whether
// earlier models were applied depends on the backend: relational backends
// roll the whole batch back, the native backend keeps the applied prefix.
type BulkWriteError struct {
	Index int
	Err   error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write failed at operation %d: %s", e.Index, e.Err)
}

func (e *BulkWriteError) Unwrap() error {
	return e.Err
}

// IsDuplicateKeyError reports whether err is a normalized duplicate-key error.
func IsDuplicateKeyError(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
