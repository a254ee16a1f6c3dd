// Package apperr defines the error kinds surfaced by the ingestion and
// retrieval core. A Kind is itself an error, so callers test with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound            Kind = "not found"
	UnsupportedFileType Kind = "unsupported file type"
	ProcessingFailed    Kind = "processing failed"
	EmbeddingFailed     Kind = "embedding failed"
	VectorStoreError    Kind = "vector store error"
	DuplicateResource   Kind = "duplicate resource"
	InvalidInput        Kind = "invalid input"
)

func (k Kind) Error() string {
	return string(k)
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind carried by err, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
