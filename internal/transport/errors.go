package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrConnectRefused     = errors.New("connect refused")
	ErrConnectUnreachable = errors.New("endpoint unreachable")

	ErrClosed    = errors.New("session closed")
	ErrIOFailure = errors.New("transport i/o failure")

	ErrUnexpectedMessage = errors.New("unexpected message")
)

type ConnectErrorKind int

const (
	ConnectTimeout ConnectErrorKind = iota + 1
	ConnectRefused
	ConnectUnreachable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

func (k ConnectErrorKind) sentinel() error {
	switch k {
	case ConnectTimeout:
		return ErrConnectTimeout
	case ConnectRefused:
		return ErrConnectRefused
	default:
		return ErrConnectUnreachable
	}
}

// ConnectError is the only error kind a Connect call returns for a failed
// attempt, apart from the caller's own context cancellation.
type ConnectError struct {
	Kind     ConnectErrorKind
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Endpoint, e.Kind)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

type TransportErrorKind int

const (
	Closed TransportErrorKind = iota + 1
	IOFailure
)

func (k TransportErrorKind) String() string {
	switch k {
	case Closed:
		return "closed"
	case IOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	switch e.Kind {
	case Closed:
		return target == ErrClosed
	case IOFailure:
		return target == ErrIOFailure
	}
	return false
}

func closedError(op string) error {
	return &TransportError{Kind: Closed, Op: op}
}

func ioError(op string, err error) error {
	return &TransportError{Kind: IOFailure, Op: op, Err: err}
}

// IsTransportError reports whether err came from the session layer.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ClassifyDialError maps a raw dial failure onto a ConnectError kind.
func ClassifyDialError(endpoint string, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		if ce.Endpoint == "" {
			ce.Endpoint = endpoint
		}
		return ce
	}

	kind := ConnectUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ConnectTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnectRefused
	}

	return &ConnectError{Kind: kind, Endpoint: endpoint, Err: err}
}
