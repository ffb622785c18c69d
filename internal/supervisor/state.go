package supervisor

import (
	"errors"
	"time"
)

var (
	ErrTerminated        = errors.New("supervisor terminated")
	ErrAttemptsExhausted = errors.New("connect attempts exhausted")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// HealthState tracks consecutive failures. Interval is the nominal backoff
// that applies to the next retry and returns to the base on success.
type HealthState struct {
	ConsecutiveFailures int
	Interval            time.Duration
	LastError           error
	LastSuccess         time.Time
}
