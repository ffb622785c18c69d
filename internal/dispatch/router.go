package dispatch

import (
	"context"
	"sync"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

type routed struct {
	msg transport.Message
	err error
}

// router is the single reader of one session. It hands replies to the
// waiting exchange by correlation id and fails every pending exchange when
// the session breaks.
type router struct {
	sess    transport.Session
	release func(correlationID string)
	logger  *util.Logger

	mu        sync.Mutex
	pending   map[string]chan routed
	abandoned map[string]struct{}
	dead      error
}

func newRouter(sess transport.Session, release func(string)) *router {
	return &router{
		sess:      sess,
		release:   release,
		logger:    util.Component("dispatch").With("session", sess.ID()),
		pending:   make(map[string]chan routed),
		abandoned: make(map[string]struct{}),
	}
}

// run reads until the session fails and returns the error that stopped it.
// Pending exchanges stay registered until fail is called.
func (r *router) run(ctx context.Context) error {
	for {
		msg, err := r.sess.Receive(ctx)
		if err != nil {
			return err
		}

		if !msg.IsReply() {
			r.logger.Debug(i18n.T("dispatch_unexpected_message", nil), map[string]any{"type": msg.Type})
			continue
		}
		r.deliver(msg)
	}
}

func (r *router) register(correlationID string) (<-chan routed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead != nil {
		return nil, r.dead
	}
	ch := make(chan routed, 1)
	r.pending[correlationID] = ch
	return ch, nil
}

func (r *router) unregister(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, correlationID)
}

// abandon hands the claim on correlationID to the router: the eventual reply
// is consumed and discarded, then the id is released.
func (r *router) abandon(correlationID string) {
	r.mu.Lock()
	ch, ok := r.pending[correlationID]
	if !ok {
		r.mu.Unlock()
		r.release(correlationID)
		return
	}
	delete(r.pending, correlationID)

	select {
	case <-ch:
		// already resolved
		r.mu.Unlock()
		r.release(correlationID)
		return
	default:
	}

	if r.dead != nil {
		r.mu.Unlock()
		r.release(correlationID)
		return
	}
	r.abandoned[correlationID] = struct{}{}
	r.mu.Unlock()
}

func (r *router) deliver(msg transport.Message) {
	r.mu.Lock()
	if ch, ok := r.pending[msg.CorrelationID]; ok {
		delete(r.pending, msg.CorrelationID)
		r.mu.Unlock()
		ch <- routed{msg: msg}
		return
	}

	_, abandoned := r.abandoned[msg.CorrelationID]
	delete(r.abandoned, msg.CorrelationID)
	r.mu.Unlock()

	if abandoned {
		r.logger.Debug(i18n.T("dispatch_reply_discarded", nil), map[string]any{"correlation_id": msg.CorrelationID})
		r.release(msg.CorrelationID)
		return
	}
	r.logger.Debug(i18n.T("dispatch_unknown_correlation", nil), map[string]any{"correlation_id": msg.CorrelationID})
}

func (r *router) fail(err error) {
	r.mu.Lock()
	r.dead = err
	pending := r.pending
	abandoned := r.abandoned
	r.pending = make(map[string]chan routed)
	r.abandoned = make(map[string]struct{})
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- routed{err: err}
	}
	for id := range abandoned {
		r.release(id)
	}
}
