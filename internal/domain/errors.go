package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code is an entry of the error taxonomy
type Code string

// Validation codes reject the whole batch before any job exists
const (
	CodeFileTooLarge         Code = "FileTooLarge"
	CodeUnsupportedType      Code = "UnsupportedType"
	CodeArchiveBombSuspected Code = "ArchiveBombSuspected"
	CodeTooManyFiles         Code = "TooManyFiles"
	CodeExtractSizeExceeded  Code = "ExtractSizeExceeded"
	CodeUnsafePath           Code = "UnsafePath"
	CodeNoValidFiles         Code = "NoValidFiles"
)

// Decomposition codes
const (
	CodeArchiveCorrupted Code = "ArchiveCorrupted"
)

// Task codes are scoped to a single job
const (
	CodeTaskTimeout             Code = "TaskTimeout"
	CodeCollaboratorUnavailable Code = "CollaboratorUnavailable"
	CodeOcrUnavailable          Code = "OcrUnavailable"
	CodeCanceled                Code = "Canceled"
	CodeInternal                Code = "InternalError"
)

var (
	// ErrInvalidTransition is returned when a job status would move backward
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrBatchNotFound is returned when a deferred batch handle is unknown
	ErrBatchNotFound = errors.New("batch not found")
)

// ValidationError rejects an upload before decomposition
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewValidationError creates a validation error with a formatted detail
func NewValidationError(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// DecompositionError aborts the remaining archive decomposition
type DecompositionError struct {
	Code Code
	Err  error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DecompositionError) Unwrap() error {
	return e.Err
}

// TaskError is the failure recorded on a single job
type TaskError struct {
	Code Code
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a task error
func NewTaskError(code Code, err error) *TaskError {
	return &TaskError{Code: code, Err: err}
}

// AdmissionRejected is a transient refusal carrying a retry hint
type AdmissionRejected struct {
	RetryAfter time.Duration
}

func (e *AdmissionRejected) Error() string {
	return fmt.Sprintf("admission rejected, retry after %s", e.RetryAfter)
}

// TransientError wraps collaborator failures that are worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrOcrUnavailable is returned by OCR collaborators that cannot reach an engine
var ErrOcrUnavailable = errors.New("ocr engine unavailable")
