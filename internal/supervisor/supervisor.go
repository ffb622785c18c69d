package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	warnAfterFailures  = 3
	errorAfterFailures = 10
)

type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Supervisor)

func WithPolicy(policy BackoffPolicy) Option {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

func WithEventBus(bus *event.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// WithRand replaces the jitter source; it must return values in [0, 1).
func WithRand(rnd func() float64) Option {
	return func(s *Supervisor) {
		s.rand = rnd
	}
}

type failureReport struct {
	sessionID string
	err       error
}

// Supervisor is the only owner of the active session. It connects, watches
// for failures reported by users of the session, and reconnects with
// backoff until shut down.
type Supervisor struct {
	connector transport.Connector
	policy    BackoffPolicy
	bus       *event.Bus
	sleep     SleepFunc
	rand      func() float64
	logger    *util.Logger

	mu      sync.RWMutex
	state   State
	session transport.Session
	failing bool
	health  HealthState
	changed chan struct{}

	failures     chan failureReport
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	runOnce      sync.Once
}

func New(connector transport.Connector, opts ...Option) *Supervisor {
	s := &Supervisor{
		connector: connector,
		policy:    DefaultBackoffPolicy(),
		sleep:     util.SleepContext,
		rand:      defaultRand,
		logger:    util.Component("supervisor"),
		changed:   make(chan struct{}),
		failures:  make(chan failureReport, 1),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.Interval = s.policy.Base
	return s
}

// Run drives the state machine until Shutdown, cancellation of ctx, or the
// attempt budget running out. Only the last case returns an error.
func (s *Supervisor) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("supervisor already running")
	}
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		if !s.transition(StateConnecting) {
			return nil
		}

		sess, err := s.connector.Connect(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				s.terminate(ctx.Err() != nil)
				return nil
			}

			failures, delay := s.recordFailure(err)
			s.logConnectFailure(err, failures, delay)
			s.publish(event.ConnectFailed, event.ConnectFailure{
				Err:                 err,
				ConsecutiveFailures: failures,
				Backoff:             delay,
			})

			if s.policy.Exhausted(failures) {
				s.logger.Error(i18n.T("supervisor_attempts_exhausted", map[string]any{"Attempts": failures}), nil)
				s.terminate(true)
				return util.WrapWithBase(ErrAttemptsExhausted,
					i18n.T("supervisor_attempts_exhausted", map[string]any{"Attempts": failures}), err)
			}

			if !s.backoff(runCtx, delay) {
				s.terminate(ctx.Err() != nil)
				return nil
			}
			continue
		}

		if !s.install(sess) {
			// Shutdown raced the connect; nothing can be using this session.
			_ = sess.Close()
			return nil
		}

		select {
		case report := <-s.failures:
			s.teardown(report)
			failures, delay := s.recordFailure(report.err)
			if s.policy.Exhausted(failures) {
				s.terminate(true)
				return util.WrapWithBase(ErrAttemptsExhausted,
					i18n.T("supervisor_attempts_exhausted", map[string]any{"Attempts": failures}), report.err)
			}
			if !s.backoff(runCtx, delay) {
				s.terminate(ctx.Err() != nil)
				return nil
			}

		case <-runCtx.Done():
			// On Shutdown the session stays open so in-flight work can drain
			// until Close. A cancelled parent context closes it right away.
			s.terminate(ctx.Err() != nil)
			return nil
		}
	}
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Health() HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Current returns the open session, if any. Callers use it for a single
// exchange and must not hold on to it.
func (s *Supervisor) Current() (transport.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateConnected || s.failing || s.session == nil {
		return nil, false
	}
	return s.session, true
}

// WaitConnected blocks until a session is available, ctx ends, or the
// supervisor terminates.
func (s *Supervisor) WaitConnected(ctx context.Context) (transport.Session, error) {
	for {
		s.mu.RLock()
		state, sess, failing, changed := s.state, s.session, s.failing, s.changed
		s.mu.RUnlock()

		if state == StateTerminated {
			return nil, ErrTerminated
		}
		if state == StateConnected && !failing && sess != nil {
			return sess, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReportFailure tells the supervisor that sess broke mid-use. Reports for a
// session that is no longer current are ignored and return false.
func (s *Supervisor) ReportFailure(sess transport.Session, err error) bool {
	if sess == nil {
		return false
	}

	s.mu.Lock()
	if s.session == nil || s.session.ID() != sess.ID() || s.failing || s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	s.failing = true
	s.broadcastLocked()
	s.mu.Unlock()

	s.failures <- failureReport{sessionID: sess.ID(), err: err}
	return true
}

// ReportSuccess records a healthy exchange and resets the backoff.
func (s *Supervisor) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetHealthLocked()
}

// Shutdown stops reconnecting. The current session, if any, stays usable for
// exchanges already in flight until Close.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.terminate(false)
	})
}

// Close shuts down and releases the current session.
func (s *Supervisor) Close() error {
	s.Shutdown()
	s.terminate(true)
	return nil
}

func (s *Supervisor) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == StateTerminated {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.broadcastLocked()
	s.mu.Unlock()

	if from != to {
		s.logger.Debug(i18n.T("supervisor_state_changed", nil), map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
		s.publish(event.StateChanged, event.StateChange{From: from.String(), To: to.String()})
	}
	return true
}

func (s *Supervisor) install(sess transport.Session) bool {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.session = sess
	s.failing = false
	s.state = StateConnected
	s.resetHealthLocked()
	s.broadcastLocked()
	s.mu.Unlock()

	s.logger.Info(i18n.T("supervisor_connected", nil), map[string]any{"session": sess.ID()})
	s.publish(event.StateChanged, event.StateChange{From: from.String(), To: StateConnected.String()})
	s.publish(event.SessionOpened, event.SessionInfo{ID: sess.ID()})
	return true
}

// teardown closes the failed session and moves to Backoff.
func (s *Supervisor) teardown(report failureReport) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.failing = false
	from := s.state
	if from != StateTerminated {
		s.state = StateBackoff
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}

	s.logger.Warn(i18n.T("supervisor_session_lost", nil), map[string]any{
		"session": report.sessionID,
		"error":   report.err,
	})
	s.publish(event.SessionClosed, event.SessionInfo{ID: report.sessionID, Err: report.err})
	if from != StateTerminated {
		s.publish(event.StateChanged, event.StateChange{From: from.String(), To: StateBackoff.String()})
	}
}

// terminate moves to Terminated, optionally closing the current session.
func (s *Supervisor) terminate(closeSession bool) {
	s.mu.Lock()
	from := s.state
	s.state = StateTerminated
	var sess transport.Session
	if closeSession {
		sess = s.session
		s.session = nil
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
		s.publish(event.SessionClosed, event.SessionInfo{ID: sess.ID()})
	}
	if from != StateTerminated {
		s.logger.Info(i18n.T("supervisor_terminated", nil), map[string]any{"from": from.String()})
		s.publish(event.StateChanged, event.StateChange{From: from.String(), To: StateTerminated.String()})
	}
}

func (s *Supervisor) recordFailure(err error) (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health.ConsecutiveFailures++
	s.health.Interval = s.policy.Interval(s.health.ConsecutiveFailures)
	s.health.LastError = err
	return s.health.ConsecutiveFailures, s.health.Interval
}

func (s *Supervisor) resetHealthLocked() {
	s.health.ConsecutiveFailures = 0
	s.health.Interval = s.policy.Base
	s.health.LastError = nil
	s.health.LastSuccess = time.Now()
}

func (s *Supervisor) backoff(ctx context.Context, delay time.Duration) bool {
	if !s.transition(StateBackoff) {
		return false
	}
	return s.sleep(ctx, s.policy.Jittered(delay, s.rand())) == nil
}

func (s *Supervisor) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) logConnectFailure(err error, failures int, delay time.Duration) {
	level := slog.LevelDebug
	switch {
	case failures >= errorAfterFailures:
		level = slog.LevelError
	case failures >= warnAfterFailures:
		level = slog.LevelWarn
	}

	s.logger.Log(level, i18n.T("supervisor_connect_failed", map[string]any{"Failures": failures}), map[string]any{
		"error":                err,
		"consecutive_failures": failures,
		"backoff":              delay.String(),
	})
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: eventType, Data: data})
}
