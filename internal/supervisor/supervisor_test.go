package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/transport/mocks"
)

var errRefused = &transport.ConnectError{
	Kind:     transport.ConnectRefused,
	Endpoint: "tcp://127.0.0.1:1",
	Err:      errors.New("connection refused"),
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newMockSession(ctrl *gomock.Controller, id string) *mocks.MockSession {
	sess := mocks.NewMockSession(ctrl)
	sess.EXPECT().ID().Return(id).AnyTimes()
	return sess
}

func testPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 100 * time.Millisecond, Max: 10 * time.Second}
}

func startSupervisor(t *testing.T, sup *Supervisor) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = sup.Close()
		select {
		case <-sup.Done():
		case <-time.After(2 * time.Second):
			t.Error("Supervisor did not stop")
		}
	})
	return errCh
}

func waitConnected(t *testing.T, sup *Supervisor) transport.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := sup.WaitConnected(ctx)
	if err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	return sess
}

func TestSupervisorBackoffSequence(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := newMockSession(ctrl, "s1")
	first.EXPECT().Close().Return(nil).Times(1)
	second := newMockSession(ctrl, "s2")
	second.EXPECT().Close().Return(nil).Times(1)

	connector := mocks.NewMockConnector(ctrl)
	gomock.InOrder(
		connector.EXPECT().Connect(gomock.Any()).Return(nil, errRefused).Times(3),
		connector.EXPECT().Connect(gomock.Any()).Return(first, nil),
		connector.EXPECT().Connect(gomock.Any()).Return(second, nil),
	)

	recorder := &sleepRecorder{}
	sup := New(connector, WithPolicy(testPolicy()), WithSleep(recorder.sleep))
	startSupervisor(t, sup)

	sess := waitConnected(t, sup)
	if sess.ID() != "s1" {
		t.Fatalf("Expected s1, got %s", sess.ID())
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	assertDelays(t, recorder.recorded(), want)

	health := sup.Health()
	if health.ConsecutiveFailures != 0 || health.Interval != 100*time.Millisecond {
		t.Errorf("Expected health reset after connect, got %+v", health)
	}

	if !sup.ReportFailure(sess, errors.New("broken pipe")) {
		t.Fatal("Expected failure of the current session to be accepted")
	}

	sess = waitConnected(t, sup)
	if sess.ID() != "s2" {
		t.Fatalf("Expected s2, got %s", sess.ID())
	}

	assertDelays(t, recorder.recorded(), append(want, 100*time.Millisecond))
}

func assertDelays(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected delays %v, got %v", want, got)
		}
	}
}

func TestSupervisorBackoffNonDecreasingUntilSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)

	sess := newMockSession(ctrl, "s1")
	sess.EXPECT().Close().Return(nil).AnyTimes()

	const failures = 12
	connector := mocks.NewMockConnector(ctrl)
	gomock.InOrder(
		connector.EXPECT().Connect(gomock.Any()).Return(nil, errRefused).Times(failures),
		connector.EXPECT().Connect(gomock.Any()).Return(sess, nil),
	)

	recorder := &sleepRecorder{}
	policy := BackoffPolicy{Base: 50 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	sup := New(connector,
		WithPolicy(policy),
		WithSleep(recorder.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
	startSupervisor(t, sup)
	waitConnected(t, sup)

	delays := recorder.recorded()
	if len(delays) != failures {
		t.Fatalf("Expected %d sleeps, got %d", failures, len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("Backoff decreased at %d: %v", i, delays)
		}
	}
	if delays[len(delays)-1] != policy.Max {
		t.Errorf("Expected backoff to reach the cap, got %v", delays[len(delays)-1])
	}
}

func TestSupervisorMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)

	connector := mocks.NewMockConnector(ctrl)
	connector.EXPECT().Connect(gomock.Any()).Return(nil, errRefused).Times(3)

	policy := testPolicy()
	policy.MaxAttempts = 3

	recorder := &sleepRecorder{}
	sup := New(connector, WithPolicy(policy), WithSleep(recorder.sleep))
	errCh := startSupervisor(t, sup)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAttemptsExhausted) {
			t.Fatalf("Expected ErrAttemptsExhausted, got %v", err)
		}
		if !errors.Is(err, transport.ErrConnectRefused) {
			t.Errorf("Expected last connect error to be wrapped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor did not give up")
	}

	if sup.State() != StateTerminated {
		t.Errorf("Expected terminated, got %s", sup.State())
	}
	if _, err := sup.WaitConnected(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated, got %v", err)
	}
	if got := len(recorder.recorded()); got != 2 {
		t.Errorf("Expected 2 sleeps between 3 attempts, got %d", got)
	}
}

func TestSupervisorReportFailureStale(t *testing.T) {
	ctrl := gomock.NewController(t)

	current := newMockSession(ctrl, "current")
	current.EXPECT().Close().Return(nil).AnyTimes()
	stale := newMockSession(ctrl, "stale")

	connector := mocks.NewMockConnector(ctrl)
	connector.EXPECT().Connect(gomock.Any()).Return(current, nil)

	sup := New(connector, WithPolicy(testPolicy()))
	startSupervisor(t, sup)
	waitConnected(t, sup)

	if sup.ReportFailure(stale, errors.New("late")) {
		t.Error("Expected report for a stale session to be ignored")
	}
	if sup.ReportFailure(nil, errors.New("nil")) {
		t.Error("Expected report for nil session to be ignored")
	}
	if got, ok := sup.Current(); !ok || got.ID() != "current" {
		t.Error("Expected current session to survive a stale report")
	}
}

func TestSupervisorShutdownKeepsSessionUntilClose(t *testing.T) {
	ctrl := gomock.NewController(t)

	var closed atomic.Bool
	sess := newMockSession(ctrl, "s1")
	sess.EXPECT().Close().DoAndReturn(func() error {
		closed.Store(true)
		return nil
	}).Times(1)

	connector := mocks.NewMockConnector(ctrl)
	connector.EXPECT().Connect(gomock.Any()).Return(sess, nil)

	sup := New(connector, WithPolicy(testPolicy()))
	errCh := startSupervisor(t, sup)
	waitConnected(t, sup)

	sup.Shutdown()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if sup.State() != StateTerminated {
		t.Errorf("Expected terminated, got %s", sup.State())
	}
	if _, ok := sup.Current(); ok {
		t.Error("Expected no session to be handed out after shutdown")
	}
	if sup.ReportFailure(sess, errors.New("late")) {
		t.Error("Expected failure reports to be ignored after shutdown")
	}
	if closed.Load() {
		t.Error("Session closed before Close")
	}

	_ = sup.Close()
	if !closed.Load() {
		t.Error("Expected Close to release the session")
	}
}

func TestSupervisorShutdownDuringBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)

	connector := mocks.NewMockConnector(ctrl)
	connector.EXPECT().Connect(gomock.Any()).Return(nil, errRefused).Times(1)

	sup := New(connector, WithPolicy(BackoffPolicy{Base: time.Hour, Max: time.Hour}))
	errCh := startSupervisor(t, sup)

	deadline := time.Now().Add(2 * time.Second)
	for sup.State() != StateBackoff {
		if time.Now().After(deadline) {
			t.Fatal("Supervisor never entered backoff")
		}
		time.Sleep(time.Millisecond)
	}

	sup.Shutdown()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not interrupt backoff")
	}
}

func TestSupervisorPublishesEvents(t *testing.T) {
	ctrl := gomock.NewController(t)

	sess := newMockSession(ctrl, "s1")
	sess.EXPECT().Close().Return(nil).AnyTimes()

	connector := mocks.NewMockConnector(ctrl)
	gomock.InOrder(
		connector.EXPECT().Connect(gomock.Any()).Return(nil, errRefused).Times(2),
		connector.EXPECT().Connect(gomock.Any()).Return(sess, nil),
	)

	bus := event.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var failuresSeen []int
	opened := make(chan string, 1)

	bus.Subscribe(event.ConnectFailed, func(evt event.Event) {
		mu.Lock()
		defer mu.Unlock()
		failuresSeen = append(failuresSeen, evt.Data.(event.ConnectFailure).ConsecutiveFailures)
	})
	bus.Subscribe(event.SessionOpened, func(evt event.Event) {
		opened <- evt.Data.(event.SessionInfo).ID
	})

	recorder := &sleepRecorder{}
	sup := New(connector, WithPolicy(testPolicy()), WithSleep(recorder.sleep), WithEventBus(bus))
	startSupervisor(t, sup)

	select {
	case id := <-opened:
		if id != "s1" {
			t.Errorf("Expected s1 opened, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No session_opened event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failuresSeen) != 2 || failuresSeen[0] != 1 || failuresSeen[1] != 2 {
		t.Errorf("Expected connect_failed for failures 1 and 2, got %v", failuresSeen)
	}
}
