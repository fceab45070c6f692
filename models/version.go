package models

import (
	"errors"
	"fmt"
	"strings"
)

// ModelVersion tags which detector serves a request.
type ModelVersion string

const (
	// Baseline is the coarse SSD detector with movement tracking.
	Baseline ModelVersion = "v1"
	// Improved is the quantized YOLO detector with contraband flagging.
	Improved ModelVersion = "v2"

	DefaultVersion = Improved
)

var (
	ErrInvalidVersion   = errors.New("invalid model version")
	ErrModelLoadFailure = errors.New("model load failure")
	ErrNoDetectorLoaded = errors.New("no detector loaded")
	ErrDecodeFailure    = errors.New("decode failure")
	ErrSinkUnavailable  = errors.New("alert sink unavailable")
)

// ParseVersion accepts "v1" or "v2" (surrounding whitespace ignored).
func ParseVersion(s string) (ModelVersion, error) {
	v := ModelVersion(strings.TrimSpace(s))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return v, nil
}

func (v ModelVersion) Valid() bool {
	return v == Baseline || v == Improved
}

func (v ModelVersion) String() string {
	return string(v)
}

// ProcessingError annotates a failure with the pipeline stage it happened in.
type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
