package dispatch

import (
	"context"
	"time"

	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/transport"
)

// RunHeartbeat pings the current session every interval. A ping left
// unanswered for a full interval marks the session as failed. It returns
// when ctx ends.
func (d *Dispatcher) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess, ok := d.source.Current()
			if !ok {
				continue
			}
			if err := d.ping(ctx, sess, interval); err != nil && ctx.Err() == nil {
				d.logger.Warn(i18n.T("dispatch_heartbeat_missed", nil), map[string]any{
					"session": sess.ID(),
					"error":   err,
				})
				d.publish(event.HeartbeatMissed, event.SessionInfo{ID: sess.ID(), Err: err})
				d.source.ReportFailure(sess, err)
			}
		}
	}
}

func (d *Dispatcher) ping(ctx context.Context, sess transport.Session, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := transport.NewHeartbeat()
	r := d.routerFor(sess)
	replies, err := r.register(msg.CorrelationID)
	if err != nil {
		return err
	}
	defer r.unregister(msg.CorrelationID)

	if err := sess.Send(pingCtx, msg); err != nil {
		return err
	}

	select {
	case reply := <-replies:
		if reply.err != nil {
			return reply.err
		}
		d.source.ReportSuccess()
		d.logger.Trace(i18n.T("dispatch_heartbeat_ack", nil), map[string]any{"session": sess.ID()})
		return nil
	case <-pingCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrHeartbeatTimeout
	}
}
