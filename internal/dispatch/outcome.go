package dispatch

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSubmitTimeout        = errors.New("timed out waiting for a connected session")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrDuplicateCorrelation = errors.New("correlation id already in flight")
	ErrDispatcherClosed     = errors.New("dispatcher closed")
	ErrShuttingDown         = errors.New("client shutting down")
	ErrChecksumMismatch     = errors.New("response checksum mismatch")
	ErrHeartbeatTimeout     = errors.New("heartbeat not acknowledged")
)

type Kind int

const (
	KindSuccess Kind = iota + 1
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of executing a WorkItem. Exactly one of Value and
// Err is meaningful, depending on Kind.
type Outcome struct {
	Kind  Kind
	Value json.RawMessage
	Err   error
}

func Success(value json.RawMessage) Outcome {
	return Outcome{Kind: KindSuccess, Value: value}
}

func Retryable(err error) Outcome {
	return Outcome{Kind: KindRetryable, Err: err}
}

func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: err}
}

func (o Outcome) IsSuccess() bool {
	return o.Kind == KindSuccess
}

func (o Outcome) String() string {
	if o.Err != nil {
		return o.Kind.String() + ": " + o.Err.Error()
	}
	return o.Kind.String()
}

// WorkItem is one unit of work. The dispatcher fills CorrelationID and
// SubmittedAt when they are empty and counts Retries.
type WorkItem struct {
	CorrelationID string
	Payload       json.RawMessage
	SubmittedAt   time.Time
	Retries       int
	// ExpectedSHA1 is the hex SHA-1 the response payload must match, if set.
	ExpectedSHA1 string
}
