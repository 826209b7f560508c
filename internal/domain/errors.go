package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of processing failure causes.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindToolFailure  ErrorKind = "tool_failure"
	KindStorage      ErrorKind = "storage"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnsupported  ErrorKind = "unsupported"
	KindUnavailable  ErrorKind = "unavailable"
	KindInternal     ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindToolFailure, KindStorage:
		return true
	}
	return false
}

// ProcessingError is raised by pipeline steps and collaborators.
type ProcessingError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func NewProcessingError(kind ErrorKind, op string, err error) *ProcessingError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &ProcessingError{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first ProcessingError in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var processingErr *ProcessingError
	if errors.As(err, &processingErr) {
		return processingErr.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
