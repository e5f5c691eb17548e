package extract

import (
	"context"
	"errors"
	"fmt"
)

// Error kind strings, stable across the API and task records.
const (
	KindDependencyMissing        = "DependencyMissing"
	KindConversionInvalidInput   = "ConversionInvalidInput"
	KindConversionTimeout        = "ConversionTimeout"
	KindConversionBackendFailure = "ConversionBackendFailure"
	KindConversionInvalidOutput  = "ConversionInvalidOutput"
	KindOcrFailure               = "OcrFailure"
	KindSystemIO                 = "SystemIO"
	KindCancelled                = "Cancelled"
)

// Timeout phases distinguish where the deadline expired.
const (
	PhaseQueue      = "queue"
	PhaseSubprocess = "subprocess"
)

// DependencyMissingError reports that required external binaries are not
// installed.
type DependencyMissingError struct {
	Missing []string
	Hint    string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("conversion dependencies missing: %v (%s)", e.Missing, e.Hint)
}

// InvalidInputError reports an input that cannot be processed: missing,
// empty, encrypted or of an unsupported type.
type InvalidInputError struct {
	Path   string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Path, e.Reason)
}

// TimeoutError reports a conversion deadline expiry. Phase records whether
// the request was still queued or already running.
type TimeoutError struct {
	Phase   string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conversion timed out in %s phase after %s", e.Phase, e.Elapsed)
}

// BackendFailureError reports a rasterizer subprocess failure.
type BackendFailureError struct {
	Backend string
	Stderr  string
	Err     error
}

func (e *BackendFailureError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Backend, e.Err, e.Stderr)
}

func (e *BackendFailureError) Unwrap() error { return e.Err }

// InvalidOutputError reports that the backend exited cleanly but produced
// missing or empty page files.
type InvalidOutputError struct {
	OutDir string
	Reason string
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("invalid conversion output in %s: %s", e.OutDir, e.Reason)
}

// OCRError reports a recognition failure.
type OCRError struct {
	Page int
	Err  error
}

func (e *OCRError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("ocr failed on page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("ocr failed: %v", e.Err)
}

func (e *OCRError) Unwrap() error { return e.Err }

// SystemIOError reports filesystem trouble outside the backend itself.
type SystemIOError struct {
	Op  string
	Err error
}

func (e *SystemIOError) Error() string {
	return fmt.Sprintf("io failure during %s: %v", e.Op, e.Err)
}

func (e *SystemIOError) Unwrap() error { return e.Err }

// Kind maps any error onto its taxonomy string. Unknown errors classify
// as SystemIO.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var (
		dep     *DependencyMissingError
		input   *InvalidInputError
		timeout *TimeoutError
		backend *BackendFailureError
		output  *InvalidOutputError
		ocrErr  *OCRError
	)
	switch {
	case errors.As(err, &dep):
		return KindDependencyMissing
	case errors.As(err, &input):
		return KindConversionInvalidInput
	case errors.As(err, &timeout):
		return KindConversionTimeout
	case errors.As(err, &backend):
		return KindConversionBackendFailure
	case errors.As(err, &output):
		return KindConversionInvalidOutput
	case errors.As(err, &ocrErr):
		return KindOcrFailure
	}
	return KindSystemIO
}

// IsConversionFailure reports whether the error belongs to the conversion
// family, meaning a direct-text fallback may still salvage the session.
func IsConversionFailure(err error) bool {
	switch Kind(err) {
	case KindDependencyMissing, KindConversionInvalidInput, KindConversionTimeout,
		KindConversionBackendFailure, KindConversionInvalidOutput:
		return true
	}
	return false
}
