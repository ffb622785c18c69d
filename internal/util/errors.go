package util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrConfigLoad       = errors.New("config load failed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSessionFailed    = errors.New("session failed")
	ErrSubsystemFailed  = errors.New("subsystem failed")
	ErrForcedShutdown   = errors.New("forced shutdown")
)

type ErrorType string

const (
	ErrTypeConfig     ErrorType = "config"
	ErrTypeConnection ErrorType = "connection"
	ErrTypeSession    ErrorType = "session"
	ErrTypeSubsystem  ErrorType = "subsystem"
	ErrTypeDispatch   ErrorType = "dispatch"
	ErrTypeShutdown   ErrorType = "shutdown"
)

// AppError carries a classified, operator-readable message alongside the
// underlying cause.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

func NewError(errType ErrorType, message string, err error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Is(target error) bool {
	switch e.Type {
	case ErrTypeConfig:
		return target == ErrConfigLoad
	case ErrTypeConnection:
		return target == ErrConnectionFailed
	case ErrTypeSession:
		return target == ErrSessionFailed
	case ErrTypeSubsystem:
		return target == ErrSubsystemFailed
	case ErrTypeShutdown:
		return target == ErrForcedShutdown
	}
	return false
}

func IsExpectedError(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

func WrapWithBase(base error, msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", base, msg, err)
}
