package event

import (
	"context"
	"time"
)

const (
	StateChanged     = "state_changed"
	ConnectFailed    = "connect_failed"
	SessionOpened    = "session_opened"
	SessionClosed    = "session_closed"
	SessionFailed    = "session_failed"
	HeartbeatMissed  = "heartbeat_missed"
	WorkCompleted    = "work_completed"
	ShutdownStarted  = "shutdown_started"
	ShutdownComplete = "shutdown_complete"
)

type Event struct {
	Type string
	Data any
	Ctx  context.Context
}

// StateChange is the payload of StateChanged.
type StateChange struct {
	From string
	To   string
}

// ConnectFailure is the payload of ConnectFailed.
type ConnectFailure struct {
	Err                 error
	ConsecutiveFailures int
	Backoff             time.Duration
}

// SessionInfo is the payload of SessionOpened, SessionClosed and SessionFailed.
type SessionInfo struct {
	ID  string
	Err error
}

// WorkResult is the payload of WorkCompleted.
type WorkResult struct {
	CorrelationID string
	Outcome       string
	Retries       int
	Duration      time.Duration
}
