package errors

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for dispatch failures
type ErrorCode int32

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Fatal to the one operation, never retried
	ErrCodeInvalidPartition ErrorCode = 1000
	ErrCodeNestedInvocation ErrorCode = 1001

	// Retryable by the owning invocation
	ErrCodeWrongTarget        ErrorCode = 2000
	ErrCodeNotAMember         ErrorCode = 2001
	ErrCodePartitionMigrating ErrorCode = 2002
	ErrCodeSendFailed         ErrorCode = 2003

	// Terminal
	ErrCodeTimeout      ErrorCode = 3000
	ErrCodeShuttingDown ErrorCode = 3001
	ErrCodeInternal     ErrorCode = 3002
)

// DispatchError represents a structured error with code and context
type DispatchError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts DispatchError to gRPC status
func (e *DispatchError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *DispatchError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidPartition, ErrCodeNestedInvocation:
		return codes.InvalidArgument
	case ErrCodeWrongTarget, ErrCodeNotAMember:
		return codes.FailedPrecondition
	case ErrCodePartitionMigrating, ErrCodeSendFailed, ErrCodeShuttingDown:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// NewDispatchError creates a new DispatchError
func NewDispatchError(code ErrorCode, message string, cause error) *DispatchError {
	return &DispatchError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *DispatchError) WithDetail(key string, value interface{}) *DispatchError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidPartition(partitionID int32, opType string) *DispatchError {
	return NewDispatchError(ErrCodeInvalidPartition, fmt.Sprintf("invalid partition id %d for %s", partitionID, opType), nil).
		WithDetail("partition_id", partitionID).
		WithDetail("op_type", opType)
}

func NestedInvocation(current, requested string) *DispatchError {
	return NewDispatchError(ErrCodeNestedInvocation,
		fmt.Sprintf("keyed operation %s cannot invoke keyed operation %s from the same execution context", current, requested), nil).
		WithDetail("current", current).
		WithDetail("requested", requested)
}

func WrongTarget(self, expected string, partitionID, replicaIndex int32, service string) *DispatchError {
	return NewDispatchError(ErrCodeWrongTarget,
		fmt.Sprintf("%s is not the replica %d of partition %d (expected %s)", self, replicaIndex, partitionID, expected), nil).
		WithDetail("self", self).
		WithDetail("expected", expected).
		WithDetail("partition_id", partitionID).
		WithDetail("replica_index", replicaIndex).
		WithDetail("service", service)
}

func NotAMember(target string, partitionID int32, service string) *DispatchError {
	return NewDispatchError(ErrCodeNotAMember, fmt.Sprintf("target %s is not a cluster member", target), nil).
		WithDetail("target", target).
		WithDetail("partition_id", partitionID).
		WithDetail("service", service)
}

func PartitionMigrating(self string, partitionID int32, service string) *DispatchError {
	return NewDispatchError(ErrCodePartitionMigrating, fmt.Sprintf("partition %d is migrating on %s", partitionID, self), nil).
		WithDetail("self", self).
		WithDetail("partition_id", partitionID).
		WithDetail("service", service)
}

func SendFailed(target string, cause error) *DispatchError {
	return NewDispatchError(ErrCodeSendFailed, fmt.Sprintf("failed to send to %s", target), cause).
		WithDetail("target", target)
}

func MemberLeft(target string) *DispatchError {
	return NewDispatchError(ErrCodeNotAMember, fmt.Sprintf("member %s left the cluster while a call was pending", target), nil).
		WithDetail("target", target)
}

func Timeout(what string, after time.Duration) *DispatchError {
	return NewDispatchError(ErrCodeTimeout, fmt.Sprintf("%s timed out after %v", what, after), nil).
		WithDetail("after", after.String())
}

func ShuttingDown() *DispatchError {
	return NewDispatchError(ErrCodeShuttingDown, "node service is shutting down", nil)
}

func Internal(message string, cause error) *DispatchError {
	return NewDispatchError(ErrCodeInternal, message, cause)
}

// Retryable reports whether the owning invocation may retry after err.
// Operation-logic errors and terminal dispatch errors are not retried.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeWrongTarget, ErrCodeNotAMember, ErrCodePartitionMigrating, ErrCodeSendFailed:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from an error
func CodeOf(err error) ErrorCode {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}

// FromWire reconstructs an error from its wire representation. Unknown codes
// map to ErrCodeInternal so operation-logic failures surface as-is.
func FromWire(code int32, message string) error {
	switch c := ErrorCode(code); c {
	case ErrCodeInvalidPartition, ErrCodeNestedInvocation,
		ErrCodeWrongTarget, ErrCodeNotAMember, ErrCodePartitionMigrating, ErrCodeSendFailed,
		ErrCodeTimeout, ErrCodeShuttingDown:
		return NewDispatchError(c, message, nil)
	default:
		return NewDispatchError(ErrCodeInternal, message, nil)
	}
}
