package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents coordination error categories
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001

	// Coordination errors
	ErrCodeLockContention ErrorCode = 2000
	ErrCodeLockNotHeld    ErrorCode = 2001
	ErrCodeCircuitOpen    ErrorCode = 2002
	ErrCodeNoHealthyNode  ErrorCode = 2003

	// Infrastructure errors
	ErrCodeInternal       ErrorCode = 3000
	ErrCodeTransientStore ErrorCode = 3001
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "ok",
	ErrCodeInvalidArgument: "invalid_argument",
	ErrCodeNotFound:        "not_found",
	ErrCodeLockContention:  "lock_contention",
	ErrCodeLockNotHeld:     "lock_not_held",
	ErrCodeCircuitOpen:     "circuit_open",
	ErrCodeNoHealthyNode:   "no_healthy_node",
	ErrCodeInternal:        "internal",
	ErrCodeTransientStore:  "transient_store",
}

// String returns the metric-friendly name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// CoordError represents a structured error with code and context
type CoordError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoordError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts CoordError to gRPC status
func (e *CoordError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *CoordError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeLockContention:
		return codes.Aborted
	case ErrCodeLockNotHeld, ErrCodeCircuitOpen:
		return codes.FailedPrecondition
	case ErrCodeNoHealthyNode, ErrCodeTransientStore:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewCoordError creates a new CoordError
func NewCoordError(code ErrorCode, message string, cause error) *CoordError {
	return &CoordError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CoordError) WithDetail(key string, value interface{}) *CoordError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string) *CoordError {
	return NewCoordError(ErrCodeInvalidArgument, message, nil)
}

func NotFound(kind, id string) *CoordError {
	return NewCoordError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func TransientStore(op string, cause error) *CoordError {
	return NewCoordError(ErrCodeTransientStore, fmt.Sprintf("store operation %s failed", op), cause).
		WithDetail("operation", op)
}

func LockContention(resource string, attempts int) *CoordError {
	return NewCoordError(ErrCodeLockContention, fmt.Sprintf("lock %s contended after %d attempts", resource, attempts), nil).
		WithDetail("resource", resource).
		WithDetail("attempts", attempts)
}

func LockNotHeld(resource string) *CoordError {
	return NewCoordError(ErrCodeLockNotHeld, fmt.Sprintf("lock %s is no longer held by this node", resource), nil).
		WithDetail("resource", resource)
}

func CircuitOpen(nodeID string) *CoordError {
	return NewCoordError(ErrCodeCircuitOpen, fmt.Sprintf("circuit open for node %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func NoHealthyNode(attempts int) *CoordError {
	return NewCoordError(ErrCodeNoHealthyNode, fmt.Sprintf("no healthy node available after %d attempts", attempts), nil).
		WithDetail("attempts", attempts)
}

func InternalError(message string, cause error) *CoordError {
	return NewCoordError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from anywhere in an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CoordError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsCoordError checks if an error chain contains a CoordError
func IsCoordError(err error) bool {
	var ce *CoordError
	return stderrors.As(err, &ce)
}

func IsTransientStore(err error) bool { return err != nil && GetCode(err) == ErrCodeTransientStore }
func IsLockContention(err error) bool { return err != nil && GetCode(err) == ErrCodeLockContention }
func IsLockNotHeld(err error) bool { return err != nil && GetCode(err) == ErrCodeLockNotHeld }
func IsCircuitOpen(err error) bool { return err != nil && GetCode(err) == ErrCodeCircuitOpen }
func IsNoHealthyNode(err error) bool { return err != nil && GetCode(err) == ErrCodeNoHealthyNode }
func IsNotFound(err error) bool { return err != nil && GetCode(err) == ErrCodeNotFound }
