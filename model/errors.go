package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// Flow-specific error codes.
const (
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrInconsistentState  = "INCONSISTENT_STATE"
	ErrFlowNotActive      = "FLOW_NOT_ACTIVE"
	ErrDeleteRefused      = "DELETE_REFUSED"
	ErrBatchLimitExceeded = "BATCH_LIMIT_EXCEEDED"
)

// ErrorEnvelope is the standard structured error returned by the core.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code of err, or INTERNAL_ERROR if err is not
// an *ErrorEnvelope.
func ErrorCode(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrNotFound
}

// IsConflict reports whether err carries the CONFLICT code.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrConflict
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error. The same message shape is used
// for truly absent ids and ids belonging to another tenant scope, so a caller
// cannot distinguish the two.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Callers losing an optimistic
// lock must retry the whole validate-recover-act sequence from a fresh read.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalTransition, Message: msg}
}

// NewInconsistentStateError returns an INCONSISTENT_STATE error for findings
// automatic recovery could not repair.
func NewInconsistentStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInconsistentState, Message: msg}
}

// NewFlowNotActiveError returns a FLOW_NOT_ACTIVE error.
func NewFlowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrFlowNotActive, Message: msg}
}

// NewDeleteRefusedError returns a DELETE_REFUSED error.
func NewDeleteRefusedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDeleteRefused, Message: msg}
}

// NewBatchLimitError returns a BATCH_LIMIT_EXCEEDED error.
func NewBatchLimitError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBatchLimitExceeded, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewStorageUnavailableError returns a STORAGE_UNAVAILABLE error. This is the
// one class the lifecycle manager propagates as a hard failure.
func NewStorageUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStorageUnavailable, Message: msg}
}
