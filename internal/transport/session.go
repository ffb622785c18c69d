package transport

import (
	"context"
	"time"
)

//go:generate mockgen -source=session.go -destination=mocks/mock_session.go -package=mocks

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live logical connection to the remote endpoint. Send and
// Receive fail with a Closed TransportError once the session has left the
// Open state; Close is idempotent and always returns nil.
type Session interface {
	ID() string
	State() State
	CreatedAt() time.Time
	LastActivity() time.Time
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens the raw session for one protocol. Dialers perform no retries.
type Dialer interface {
	Dial(ctx context.Context, opts ConnectionOptions) (Session, error)
}

// Preflighter is implemented by dialers whose local credentials can be
// checked without contacting the remote.
type Preflighter interface {
	Preflight(opts ConnectionOptions) error
}

// Connector produces ready-to-use sessions for a fixed endpoint.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

type DialerFunc func(ctx context.Context, opts ConnectionOptions) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, opts ConnectionOptions) (Session, error) {
	return f(ctx, opts)
}
