package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an AppError.
type Kind string

const (
	KindConflict        Kind = "CONFLICT"
	KindPrecondition    Kind = "PRECONDITION"
	KindInvalidState    Kind = "INVALID_STATE"
	KindNotFound        Kind = "NOT_FOUND"
	KindExternalService Kind = "EXTERNAL_SERVICE"
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindInternal        Kind = "INTERNAL"
)

// AppError represents application-specific errors
type AppError struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels below, so errors.Is(err, ErrConflict) works
// for every conflict regardless of code or message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == "" && t.Message == "" && t.Kind == e.Kind
}

// GRPCStatus lets status.FromError/status.Code translate AppErrors.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.Kind.grpcCode(), e.Error())
}

func (k Kind) grpcCode() codes.Code {
	switch k {
	case KindConflict:
		return codes.AlreadyExists
	case KindPrecondition, KindInvalidState:
		return codes.FailedPrecondition
	case KindNotFound:
		return codes.NotFound
	case KindExternalService:
		return codes.Unavailable
	case KindInvalidInput:
		return codes.InvalidArgument
	}
	return codes.Internal
}

// Kind sentinels.
var (
	ErrConflict        = &AppError{Kind: KindConflict}
	ErrPrecondition    = &AppError{Kind: KindPrecondition}
	ErrInvalidState    = &AppError{Kind: KindInvalidState}
	ErrNotFound        = &AppError{Kind: KindNotFound}
	ErrExternalService = &AppError{Kind: KindExternalService}
	ErrInvalidInput    = &AppError{Kind: KindInvalidInput}
)

// Common application errors
var (
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func ConflictError(code, format string, args ...any) error {
	return &AppError{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func PreconditionError(code, format string, args ...any) error {
	return &AppError{Kind: KindPrecondition, Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidStateError(code, format string, args ...any) error {
	return &AppError{Kind: KindInvalidState, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(entity string, id int64) error {
	return &AppError{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s %d not found", entity, id)}
}

func InvalidInputError(message string) error {
	return &AppError{Kind: KindInvalidInput, Code: "INVALID_INPUT", Message: message}
}

// ExternalServiceError wraps a failure reported by the extraction, draft or
// storage collaborators. It is recorded as state, never returned to callers
// of a dispatching operation.
func ExternalServiceError(service string, cause error) error {
	return &AppError{Kind: KindExternalService, Code: "EXTERNAL_SERVICE", Message: service, Cause: cause}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// ToStatus converts any error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
