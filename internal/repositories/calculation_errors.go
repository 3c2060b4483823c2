package repositories

import "fmt"

// CalculationErrorCode enumerates failure reasons for category calculation operations.
type CalculationErrorCode string

const (
	// CalculationErrorUnknown represents an unspecified failure.
	CalculationErrorUnknown CalculationErrorCode = "calculation_unknown"
	// CalculationErrorInProgress indicates another worker holds a fresh calculation lease.
	CalculationErrorInProgress CalculationErrorCode = "calculation_in_progress"
	// CalculationErrorInvalidInput indicates the caller supplied invalid arguments.
	CalculationErrorInvalidInput CalculationErrorCode = "calculation_invalid_input"
)

// CalculationError wraps calculation lease failures with machine readable codes.
type CalculationError struct {
	Op      string
	Code    CalculationErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CalculationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CalculationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsConflict reports whether the error represents a lease conflict.
func (e *CalculationError) IsConflict() bool {
	return e != nil && e.Code == CalculationErrorInProgress
}

// NewCalculationError constructs a typed calculation error.
func NewCalculationError(code CalculationErrorCode, message string, err error) *CalculationError {
	if message == "" {
		message = string(code)
	}
	return &CalculationError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
