package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func newPipeSession(t *testing.T) (*StreamSession, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	sess := NewStreamSession(client)
	t.Cleanup(func() {
		_ = sess.Close()
		_ = server.Close()
	})
	return sess, server
}

func TestStreamSessionSendReceive(t *testing.T) {
	sess, server := newPipeSession(t)

	if sess.State() != StateOpen {
		t.Fatalf("Expected new session to be open, got %s", sess.State())
	}
	if sess.ID() == "" {
		t.Error("Expected session to have an id")
	}

	go func() {
		reader := bufio.NewReader(server)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Message
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		reply, _ := json.Marshal(Message{
			Type:          TypeResponse,
			CorrelationID: req.CorrelationID,
			Payload:       json.RawMessage(`{"ok":true}`),
		})
		_, _ = server.Write(append(reply, '\n'))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	before := sess.LastActivity()
	time.Sleep(time.Millisecond)

	if err := sess.Send(ctx, NewRequest("abc", json.RawMessage(`{"n":1}`))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Type != TypeResponse || msg.CorrelationID != "abc" {
		t.Errorf("Unexpected reply %+v", msg)
	}
	if string(msg.Payload) != `{"ok":true}` {
		t.Errorf("Unexpected payload %s", msg.Payload)
	}
	if !sess.LastActivity().After(before) {
		t.Error("Expected last activity to advance")
	}
}

func TestStreamSessionCloseIsIdempotent(t *testing.T) {
	sess, _ := newPipeSession(t)

	if err := sess.Close(); err != nil {
		t.Fatalf("First close returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Second close returned error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", sess.State())
	}
}

func TestStreamSessionClosedOperations(t *testing.T) {
	sess, _ := newPipeSession(t)
	_ = sess.Close()

	ctx := context.Background()

	if err := sess.Send(ctx, NewHeartbeat()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Send, got %v", err)
	}
	if _, err := sess.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Receive, got %v", err)
	}
}

func TestStreamSessionRemoteHangup(t *testing.T) {
	sess, server := newPipeSession(t)

	_ = server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sess.Receive(ctx)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("Expected IOFailure after remote hangup, got %v", err)
	}

	// The failure is sticky until the owner closes the session.
	if _, err := sess.Receive(ctx); !errors.Is(err, ErrIOFailure) {
		t.Errorf("Expected repeated IOFailure, got %v", err)
	}

	if err := sess.Send(ctx, NewHeartbeat()); !errors.Is(err, ErrIOFailure) {
		t.Errorf("Expected IOFailure from Send on dead pipe, got %v", err)
	}
}

func TestStreamSessionReceiveCancelled(t *testing.T) {
	sess, _ := newPipeSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sess.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if sess.State() != StateOpen {
		t.Error("A cancelled receive must not change session state")
	}
}

func TestStreamSessionCloseUnblocksReceive(t *testing.T) {
	sess, _ := newPipeSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = sess.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

// stalledConn hides net.Conn's deadline methods, as an ssh channel does.
type stalledConn struct {
	io.ReadWriteCloser
}

func TestStreamSessionSendStalledWriter(t *testing.T) {
	t.Run("CancelledSendReturns", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		sess := NewStreamSession(stalledConn{client})
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- sess.Send(ctx, NewHeartbeat()) }()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Expected deadline exceeded, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Send did not return after its context expired")
		}

		if sess.State() != StateClosed {
			t.Errorf("Expected an abandoned send to close the session, got %s", sess.State())
		}
	})

	t.Run("WaitingSenderIsCancellable", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		sess := NewStreamSession(stalledConn{client})
		defer sess.Close()

		firstErr := make(chan error, 1)
		go func() { firstErr <- sess.Send(context.Background(), NewHeartbeat()) }()
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		secondErr := make(chan error, 1)
		go func() { secondErr <- sess.Send(ctx, NewHeartbeat()) }()

		select {
		case err := <-secondErr:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Expected deadline exceeded, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Send waiting behind a stalled writer did not return")
		}

		_ = sess.Close()
		select {
		case err := <-firstErr:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("Expected ErrClosed for the stalled send, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Stalled send did not return after Close")
		}
	})
}
