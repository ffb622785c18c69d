package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/daedalus/daedalus_client/internal/util"
	"github.com/daedalus/daedalus_client/pkg/result"
)

const incomingBuffer = 16

var _ Session = (*StreamSession)(nil)

// StreamSession carries newline-delimited JSON messages over any byte
// stream. A single reader goroutine decodes ahead into a small buffer so
// Receive can honour context cancellation. Writes run on their own goroutine
// for the same reason: a Send abandoned mid-line closes the session, since
// the stream is no longer framed.
type StreamSession struct {
	id        string
	createdAt time.Time
	lastSeen  atomic.Int64
	state     atomic.Int32

	conn io.ReadWriteCloser
	// writeSem admits one writer at a time; waiting for it is cancellable.
	writeSem chan struct{}

	incoming  chan result.Result[Message]
	closed    chan struct{}
	closeOnce sync.Once
	logger    *util.Logger
}

func NewStreamSession(conn io.ReadWriteCloser) *StreamSession {
	now := time.Now()
	s := &StreamSession{
		id:        uuid.NewString(),
		createdAt: now,
		conn:      conn,
		writeSem:  make(chan struct{}, 1),
		incoming:  make(chan result.Result[Message], incomingBuffer),
		closed:    make(chan struct{}),
	}
	s.logger = util.Component("transport").With("session", s.id)
	s.lastSeen.Store(now.UnixNano())
	s.state.Store(int32(StateOpen))

	go s.readLoop()
	return s
}

func (s *StreamSession) ID() string {
	return s.id
}

func (s *StreamSession) State() State {
	return State(s.state.Load())
}

func (s *StreamSession) CreatedAt() time.Time {
	return s.createdAt
}

func (s *StreamSession) LastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *StreamSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *StreamSession) Send(ctx context.Context, msg Message) error {
	if s.State() != StateOpen {
		return closedError("send")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return ioError("send", err)
	}
	line = append(line, '\n')

	select {
	case s.writeSem <- struct{}{}:
	case <-s.closed:
		return closedError("send")
	case <-ctx.Done():
		return ctx.Err()
	}

	written := make(chan error, 1)
	go func() {
		defer func() { <-s.writeSem }()
		_, err := s.conn.Write(line)
		written <- err
	}()

	select {
	case err := <-written:
		return s.sent(msg, err)
	case <-s.closed:
		return closedError("send")
	case <-ctx.Done():
		select {
		case err := <-written:
			return s.sent(msg, err)
		default:
		}
		s.logger.Debug("send abandoned, closing session", map[string]any{
			"type":  msg.Type,
			"error": ctx.Err(),
		})
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *StreamSession) sent(msg Message, err error) error {
	if err != nil {
		if s.State() != StateOpen {
			return closedError("send")
		}
		return ioError("send", err)
	}

	s.touch()
	s.logger.Trace("message sent", map[string]any{
		"type":           msg.Type,
		"correlation_id": msg.CorrelationID,
	})
	return nil
}

func (s *StreamSession) Receive(ctx context.Context) (Message, error) {
	if s.State() != StateOpen {
		return Message{}, closedError("receive")
	}

	select {
	case r, ok := <-s.incoming:
		if !ok {
			if s.State() != StateOpen {
				return Message{}, closedError("receive")
			}
			return Message{}, ioError("receive", io.ErrUnexpectedEOF)
		}
		msg, err := r.Get()
		if err != nil {
			if s.State() != StateOpen {
				return Message{}, closedError("receive")
			}
			return Message{}, ioError("receive", err)
		}
		s.touch()
		return msg, nil
	case <-s.closed:
		return Message{}, closedError("receive")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *StreamSession) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.closed)
		if err := s.conn.Close(); err != nil && !util.IsExpectedError(err) {
			s.logger.Debug("close returned error", map[string]any{"error": err})
		}
		s.state.Store(int32(StateClosed))
	})
	return nil
}

// readLoop is the only writer of incoming and closes it on exit, after
// delivering the terminal read error if the session is still wanted.
func (s *StreamSession) readLoop() {
	defer close(s.incoming)

	dec := json.NewDecoder(s.conn)
	for {
		var msg Message
		err := dec.Decode(&msg)

		r := result.Of(msg, err)
		select {
		case s.incoming <- r:
		case <-s.closed:
			return
		}

		if err != nil {
			return
		}
	}
}
