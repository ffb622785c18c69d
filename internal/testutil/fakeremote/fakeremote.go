// Package fakeremote is an in-memory remote endpoint for tests. Each Connect
// opens a net.Pipe, answers the handshake and serves requests through a
// Handler.
package fakeremote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/daedalus/daedalus_client/internal/transport"
)

var _ transport.Connector = (*Server)(nil)

// Reply tells the server how to answer one request.
type Reply struct {
	Message *transport.Message
	Delay   time.Duration
	Hangup  bool
}

// Handler answers a request arriving on the conn-th connection (1-based).
type Handler func(conn int, msg transport.Message) Reply

// Echo answers every request with its own payload.
func Echo(_ int, msg transport.Message) Reply {
	return Reply{Message: &transport.Message{
		Type:          transport.TypeResponse,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
	}}
}

// Received is one request as seen by the server.
type Received struct {
	Conn          int
	CorrelationID string
	At            time.Time
}

type Server struct {
	handler Handler

	mu       sync.Mutex
	conns    []net.Conn
	closedAt map[int]time.Time
	refuse   int
	silent   bool
	received []Received
	connects int
}

func New(handler Handler) *Server {
	if handler == nil {
		handler = Echo
	}
	return &Server{
		handler:  handler,
		closedAt: make(map[int]time.Time),
	}
}

// RefuseNext makes the next n Connect calls fail as refused.
func (s *Server) RefuseNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = n
}

// IgnoreHeartbeats stops the server from acknowledging heartbeats.
func (s *Server) IgnoreHeartbeats(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = ignore
}

func (s *Server) Connect(ctx context.Context) (transport.Session, error) {
	s.mu.Lock()
	s.connects++
	if s.refuse > 0 {
		s.refuse--
		s.mu.Unlock()
		return nil, &transport.ConnectError{
			Kind:     transport.ConnectRefused,
			Endpoint: "pipe://fakeremote",
			Err:      errors.New("connection refused"),
		}
	}
	client, server := net.Pipe()
	s.conns = append(s.conns, server)
	id := len(s.conns)
	s.mu.Unlock()

	go s.serve(id, server)

	sess := transport.NewStreamSession(client)
	if err := transport.Handshake(ctx, sess, transport.Hello{Client: "fakeremote-test"}); err != nil {
		_ = sess.Close()
		return nil, transport.ClassifyDialError("pipe://fakeremote", err)
	}
	return sess, nil
}

// Connects is the number of Connect calls so far, refused ones included.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// DropAll hangs up every open connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		s.closeLocked(i + 1)
		_ = c.Close()
	}
}

func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// ClosedAt reports when the server side of connection conn went away.
func (s *Server) ClosedAt(conn int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.closedAt[conn]
	return at, ok
}

func (s *Server) Close() {
	s.DropAll()
}

func (s *Server) closeLocked(id int) {
	if _, done := s.closedAt[id]; !done {
		s.closedAt[id] = time.Now()
	}
}

func (s *Server) hangup(id int, conn net.Conn) {
	s.mu.Lock()
	s.closeLocked(id)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) serve(id int, conn net.Conn) {
	defer s.hangup(id, conn)

	var writeMu sync.Mutex
	write := func(msg transport.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(data, '\n'))
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var msg transport.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}

		switch msg.Type {
		case transport.TypeHello:
			write(transport.Message{Type: transport.TypeWelcome})

		case transport.TypeHeartbeat:
			s.mu.Lock()
			silent := s.silent
			s.mu.Unlock()
			if !silent {
				write(transport.Message{Type: transport.TypeHeartbeatAck, CorrelationID: msg.CorrelationID})
			}

		case transport.TypeRequest:
			s.mu.Lock()
			s.received = append(s.received, Received{Conn: id, CorrelationID: msg.CorrelationID, At: time.Now()})
			s.mu.Unlock()

			reply := s.handler(id, msg)
			if reply.Hangup && reply.Delay <= 0 {
				return
			}
			go func() {
				if reply.Delay > 0 {
					time.Sleep(reply.Delay)
				}
				if reply.Hangup {
					s.hangup(id, conn)
					return
				}
				if reply.Message != nil {
					write(*reply.Message)
				}
			}()
		}
	}
}
