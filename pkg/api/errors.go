package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable category of a sandkasten error. The
// same kinds travel over the remote protocol as the "error_kind" field,
// so embedded and remote callers observe identical failures.
type ErrorKind string

const (
	ErrorKindUnknownSandboxType    ErrorKind = "unknown_sandbox_type"
	ErrorKindDuplicateRegistration ErrorKind = "duplicate_registration"
	ErrorKindProvision             ErrorKind = "provision_error"
	ErrorKindToolNotFound          ErrorKind = "tool_not_found"
	ErrorKindValidation            ErrorKind = "validation_error"
	ErrorKindToolExecution         ErrorKind = "tool_execution_error"
	ErrorKindTimeout               ErrorKind = "timeout_error"
	ErrorKindAuth                  ErrorKind = "auth_error"
	ErrorKindReleased              ErrorKind = "released"
	ErrorKindServer                ErrorKind = "server_error"
)

// Error is a structured error carrying a kind and a human-readable
// message. It is the only error shape that crosses the remote protocol.
type Error struct {
	Kind    ErrorKind `json:"error_kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorResponse wraps an Error for JSON serialization as the top-level
// error body of the remote protocol.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// NewUnknownSandboxTypeError reports a resolve against an unregistered type.
func NewUnknownSandboxTypeError(typeID string) *Error {
	return &Error{Kind: ErrorKindUnknownSandboxType, Message: fmt.Sprintf("sandbox type %q is not registered", typeID)}
}

// NewDuplicateRegistrationError reports a second registration of a type id.
func NewDuplicateRegistrationError(typeID string) *Error {
	return &Error{Kind: ErrorKindDuplicateRegistration, Message: fmt.Sprintf("sandbox type %q is already registered", typeID)}
}

// NewProvisionError reports a backend provisioning failure.
func NewProvisionError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindProvision, Message: fmt.Sprintf(format, args...)}
}

// NewToolNotFoundError reports a tool name absent from a type's descriptor set.
func NewToolNotFoundError(tool, typeID string) *Error {
	return &Error{Kind: ErrorKindToolNotFound, Message: fmt.Sprintf("tool %q is not provided by sandbox type %q", tool, typeID)}
}

// NewValidationError reports arguments failing the pre-dispatch schema check.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewToolExecutionError reports a backend-side tool failure.
func NewToolExecutionError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindToolExecution, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError reports an operation exceeding its type's timeout.
func NewTimeoutError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindTimeout, Message: fmt.Sprintf(format, args...)}
}

// NewAuthError reports a rejected credential on the remote protocol.
func NewAuthError(message string) *Error {
	return &Error{Kind: ErrorKindAuth, Message: message}
}

// NewReleasedError reports an operation against a record that has already
// reached its terminal Released status.
func NewReleasedError(sandboxID string) *Error {
	return &Error{Kind: ErrorKindReleased, Message: fmt.Sprintf("sandbox %q has been released", sandboxID)}
}

// NewServerError reports an internal failure that fits no other kind.
func NewServerError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindServer, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Errors outside the taxonomy
// are normalized: context deadline expiry and cancellation map to
// timeout_error, everything else to server_error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindTimeout
	}
	return ErrorKindServer
}

// AsError converts err into an *Error, preserving an existing taxonomy
// error and wrapping anything else according to KindOf.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}
