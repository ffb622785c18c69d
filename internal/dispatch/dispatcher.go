package dispatch

import (
	"context"
	"crypto/sha1" //nolint:gosec // integrity check, not security
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/supervisor"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	DefaultSubmitTimeout = 30 * time.Second
	DefaultMaxRetries    = 3
)

// SessionSource hands out the current session and takes failure reports
// back. *supervisor.Supervisor implements it.
type SessionSource interface {
	WaitConnected(ctx context.Context) (transport.Session, error)
	Current() (transport.Session, bool)
	ReportFailure(sess transport.Session, err error) bool
	ReportSuccess()
}

var _ SessionSource = (*supervisor.Supervisor)(nil)

type Config struct {
	// SubmitTimeout bounds the wait for a connected session; zero waits
	// for as long as the caller's context allows.
	SubmitTimeout time.Duration
	MaxRetries    int
	// RateLimit caps dispatch attempts per second; zero disables it.
	RateLimit float64
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout: DefaultSubmitTimeout,
		MaxRetries:    DefaultMaxRetries,
	}
}

type Option func(*Dispatcher)

func WithEventBus(bus *event.Bus) Option {
	return func(d *Dispatcher) {
		d.bus = bus
	}
}

type Dispatcher struct {
	source  SessionSource
	cfg     Config
	limiter *rate.Limiter
	bus     *event.Bus
	logger  *util.Logger

	mu       sync.Mutex
	routers  map[string]*router
	inflight map[string]struct{}
	closed   bool
	active   sync.WaitGroup
}

func New(source SessionSource, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		cfg:      cfg,
		logger:   util.Component("dispatch"),
		routers:  make(map[string]*router),
		inflight: make(map[string]struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := int(math.Ceil(cfg.RateLimit))
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit runs item to a terminal Outcome, retrying retryable failures up to
// the configured limit. The returned Outcome is never Retryable unless the
// caller's context ended or no session became available in time.
func (d *Dispatcher) Submit(ctx context.Context, item *WorkItem) Outcome {
	if item.CorrelationID == "" {
		item.CorrelationID = uuid.NewString()
	}
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = time.Now()
	}

	if outcome, ok := d.claim(item.CorrelationID); !ok {
		return outcome
	}
	defer d.active.Done()

	outcome := d.execute(ctx, item)

	d.logger.Debug(i18n.T("dispatch_work_completed", nil), map[string]any{
		"correlation_id": item.CorrelationID,
		"outcome":        outcome.Kind.String(),
		"retries":        item.Retries,
	})
	d.publish(event.WorkCompleted, event.WorkResult{
		CorrelationID: item.CorrelationID,
		Outcome:       outcome.Kind.String(),
		Retries:       item.Retries,
		Duration:      time.Since(item.SubmittedAt),
	})
	return outcome
}

func (d *Dispatcher) execute(ctx context.Context, item *WorkItem) Outcome {
	for {
		outcome, final, handedOff := d.attempt(ctx, item)
		if !handedOff {
			if final || outcome.Kind != KindRetryable || item.Retries >= d.cfg.MaxRetries {
				d.releaseClaim(item.CorrelationID)
			}
		}

		if final || outcome.Kind != KindRetryable {
			return outcome
		}

		if item.Retries >= d.cfg.MaxRetries {
			return Fatal(util.WrapWithBase(ErrRetriesExhausted, item.CorrelationID, outcome.Err))
		}

		item.Retries++
		d.logger.Debug(i18n.T("dispatch_retrying", nil), map[string]any{
			"correlation_id": item.CorrelationID,
			"retries":        item.Retries,
			"error":          outcome.Err,
		})
	}
}

// attempt performs one exchange. final marks outcomes that must not be
// retried; handedOff means the router now owns the correlation id claim.
func (d *Dispatcher) attempt(ctx context.Context, item *WorkItem) (outcome Outcome, final bool, handedOff bool) {
	sess, err := d.waitSession(ctx)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrTerminated):
			return Fatal(ErrShuttingDown), true, false
		case ctx.Err() != nil:
			return Retryable(ctx.Err()), true, false
		default:
			return Retryable(ErrSubmitTimeout), true, false
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Retryable(err), true, false
		}
	}

	r := d.routerFor(sess)
	replies, err := r.register(item.CorrelationID)
	if err != nil {
		return Retryable(err), false, false
	}

	if err := sess.Send(ctx, transport.NewRequest(item.CorrelationID, item.Payload)); err != nil {
		r.unregister(item.CorrelationID)
		if ctx.Err() != nil {
			return Retryable(ctx.Err()), true, false
		}
		d.source.ReportFailure(sess, err)
		return Retryable(err), false, false
	}

	select {
	case reply := <-replies:
		return d.classify(item, reply), false, false
	case <-ctx.Done():
		r.abandon(item.CorrelationID)
		return Retryable(ctx.Err()), true, true
	}
}

func (d *Dispatcher) waitSession(ctx context.Context) (transport.Session, error) {
	if d.cfg.SubmitTimeout <= 0 {
		return d.source.WaitConnected(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	return d.source.WaitConnected(waitCtx)
}

func (d *Dispatcher) classify(item *WorkItem, reply routed) Outcome {
	if reply.err != nil {
		return Retryable(reply.err)
	}

	msg := reply.msg
	switch msg.Type {
	case transport.TypeResponse:
		d.source.ReportSuccess()
		if err := verifyChecksum(item.ExpectedSHA1, msg.Payload); err != nil {
			d.logger.Warn(i18n.T("dispatch_checksum_mismatch", nil), map[string]any{
				"correlation_id": item.CorrelationID,
				"error":          err,
			})
			return Retryable(err)
		}
		return Success(msg.Payload)

	case transport.TypeError:
		d.source.ReportSuccess()
		remote := msg.Error
		if remote == nil {
			remote = &transport.RemoteError{Code: "unknown"}
		}
		if remote.Retryable {
			return Retryable(remote)
		}
		return Fatal(remote)

	default:
		return Fatal(util.WrapWithBase(transport.ErrUnexpectedMessage, string(msg.Type), nil))
	}
}

func verifyChecksum(expected string, payload []byte) error {
	if expected == "" {
		return nil
	}
	sum := sha1.Sum(payload) //nolint:gosec
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return util.WrapWithBase(ErrChecksumMismatch,
			i18n.T("dispatch_checksum_detail", map[string]any{"Expected": expected, "Actual": actual}), nil)
	}
	return nil
}

// routerFor returns the router reading sess, starting it on first use.
func (d *Dispatcher) routerFor(sess transport.Session) *router {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.routers[sess.ID()]; ok {
		return r
	}

	r := newRouter(sess, d.releaseClaim)
	d.routers[sess.ID()] = r

	go func() {
		err := r.run(context.Background())

		// Report before failing pending exchanges so their retries do not
		// pick the broken session again.
		if d.source.ReportFailure(sess, err) {
			d.logger.Warn(i18n.T("dispatch_session_failed", nil), map[string]any{
				"session": sess.ID(),
				"error":   err,
			})
		}
		r.fail(err)

		d.mu.Lock()
		delete(d.routers, sess.ID())
		d.mu.Unlock()

		d.publish(event.SessionFailed, event.SessionInfo{ID: sess.ID(), Err: err})
	}()
	return r
}

func (d *Dispatcher) claim(correlationID string) (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Fatal(ErrDispatcherClosed), false
	}
	if _, busy := d.inflight[correlationID]; busy {
		return Fatal(ErrDuplicateCorrelation), false
	}
	d.inflight[correlationID] = struct{}{}
	d.active.Add(1)
	return Outcome{}, true
}

func (d *Dispatcher) releaseClaim(correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, correlationID)
}

// InFlight is the number of correlation ids currently claimed.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close stops accepting work. Submissions already running continue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Drain waits for running submissions to reach their outcome.
func (d *Dispatcher) Drain(ctx context.Context) error {
	return util.WaitWithContext(ctx, &d.active)
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.Event{Type: eventType, Data: data})
}
