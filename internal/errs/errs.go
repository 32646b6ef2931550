// Package errs defines the structured error kinds shared by the pipeline
// stages. Callers classify failures with errors.Is / As so the CLI can map
// them to exit behavior and storage can record them.
package errs

import (
	"errors"
	"fmt"
)

// Kind labels an error with one of the pipeline failure categories.
type Kind string

const (
	KindConfig        Kind = "CONFIG_ERROR"
	KindIO            Kind = "IO_ERROR"
	KindSchema        Kind = "SCHEMA_ERROR"
	KindState         Kind = "STATE_ERROR"
	KindResourceLimit Kind = "RESOURCE_LIMIT"
	KindEncoding      Kind = "ENCODING_ERROR"
)

// Error carries a Kind plus an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var typed *Error
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Kind == kind {
			return true
		}
		err = typed.Err
	}
	return false
}

// KindOf returns the kind attached to err, or the empty Kind when none is.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}
