package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("task not found")
	ErrNotReady       = errors.New("task not ready")
	ErrModel          = errors.New("model error")
	ErrAnalysis       = errors.New("analysis error")
)

// InvalidRequest wraps a caller mistake so that errors.Is(err, ErrInvalidRequest) holds.
func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ModelError is a segmentation failure. It is fatal to the task that hit it.
type ModelError struct {
	Stage string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s segmentation failed: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func (e *ModelError) Is(target error) bool { return target == ErrModel }

// AnalysisError is confined to one optional sub-analysis and is reported
// inline in that sub-result.
type AnalysisError struct {
	Analysis string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s analysis failed: %v", e.Analysis, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func (e *AnalysisError) Is(target error) bool { return target == ErrAnalysis }
