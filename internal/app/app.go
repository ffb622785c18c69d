package app

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/daedalus/daedalus_client/internal/config"
	"github.com/daedalus/daedalus_client/internal/dispatch"
	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/feed"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/metrics"
	"github.com/daedalus/daedalus_client/internal/supervisor"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	ExitOK     = 0
	ExitError  = 1
	ExitForced = 2
)

// taskWait bounds how long a stopping Run waits for its background tasks
// once their contexts are cancelled.
const taskWait = 2 * time.Second

// ExitCode maps the error returned by Run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, util.ErrForcedShutdown):
		return ExitForced
	default:
		return ExitError
	}
}

type Option func(*App)

// WithConnector replaces the connector built from the configured endpoint.
func WithConnector(connector transport.Connector) Option {
	return func(a *App) {
		a.connector = connector
	}
}

// WithIO sets where work requests are read from and results written to.
// It overrides work.input.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.input = in
		a.output = out
	}
}

// WithSignals replaces the SIGINT/SIGTERM subscription.
func WithSignals(signals <-chan os.Signal) Option {
	return func(a *App) {
		a.signals = signals
	}
}

func WithExit(exit func(int)) Option {
	return func(a *App) {
		a.exit = exit
	}
}

func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

type App struct {
	cfg     config.Config
	version string

	connector transport.Connector
	input     io.Reader
	output    io.Writer
	signals   <-chan os.Signal
	exit      func(int)
	registry  *prometheus.Registry
	bus       *event.Bus
	logger    *util.Logger
}

func New(cfg config.Config, version string, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		version:  version,
		output:   os.Stdout,
		exit:     os.Exit,
		registry: prometheus.NewRegistry(),
		bus:      event.NewBus(),
		logger:   util.Component("app"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bus is the event bus every component of this App publishes on.
func (a *App) Bus() *event.Bus {
	return a.bus
}

// lifecycle holds the components of one Run.
type lifecycle struct {
	sup      *supervisor.Supervisor
	disp     *dispatch.Dispatcher
	supDone  chan error
	feedDone chan error

	// tasks runs the supervisor, the heartbeat and the metrics listener.
	tasks errgroup.Group

	stopIntake    context.CancelFunc
	stopHeartbeat context.CancelFunc
	stopRun       context.CancelFunc
}

// Run starts the client and blocks until it stops. It returns nil after a
// clean shutdown, an error wrapping util.ErrForcedShutdown when in-flight
// work outlived the grace period, and any other error when the client could
// not start or the supervisor gave up.
func (a *App) Run(ctx context.Context) error {
	defer a.bus.Close()

	connector := a.connector
	if connector == nil {
		var err error
		if connector, err = a.connectorFromConfig(); err != nil {
			return err
		}
	}

	input, closeInput, err := a.openInput()
	if err != nil {
		return err
	}
	defer closeInput()

	if a.signals == nil {
		signals, stop := NotifyTermination()
		defer stop()
		a.signals = signals
	}

	m := metrics.New(a.registry)
	unobserve := m.Observe(a.bus)
	defer unobserve()

	l := a.start(connector, input)
	defer l.stopRun()

	a.logger.Info(i18n.T("app_started", map[string]any{"Version": a.version}), map[string]any{
		"user_agent": a.cfg.UserAgent(a.version),
	})

	feedDone := l.feedDone
	for {
		select {
		case sig := <-a.signals:
			a.logger.Info(i18n.T("termination_signal", map[string]any{"Signal": sig.String()}), nil)
			return a.shutdown(l, sig.String())

		case <-ctx.Done():
			return a.shutdown(l, "context")

		case err := <-l.supDone:
			return a.abort(l, err)

		case err := <-feedDone:
			feedDone = nil
			if err != nil {
				a.logger.LogError(i18n.T("app_input_failed", nil), err, nil)
			}
			if a.cfg.Work.ExitOnEOF {
				a.logger.Info(i18n.T("app_input_finished", nil), nil)
				return a.shutdown(l, "eof")
			}
		}
	}
}

func (a *App) start(connector transport.Connector, input io.Reader) *lifecycle {
	policy := supervisor.BackoffPolicy{
		Base:        a.cfg.Backoff.Base,
		Max:         a.cfg.Backoff.Max,
		Jitter:      a.cfg.Backoff.Jitter,
		MaxAttempts: a.cfg.Backoff.MaxAttempts,
	}
	sup := supervisor.New(connector, supervisor.WithPolicy(policy), supervisor.WithEventBus(a.bus))
	disp := dispatch.New(sup, dispatch.Config{
		SubmitTimeout: a.cfg.Dispatch.SubmitTimeout,
		MaxRetries:    a.cfg.Dispatch.MaxRetries,
		RateLimit:     a.cfg.Dispatch.RateLimit,
	}, dispatch.WithEventBus(a.bus))

	// The supervisor outlives the caller's context so that in-flight work
	// can drain after a shutdown request.
	runCtx, stopRun := context.WithCancel(context.Background())
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	intakeCtx, stopIntake := context.WithCancel(runCtx)

	l := &lifecycle{
		sup:           sup,
		disp:          disp,
		supDone:       make(chan error, 1),
		stopIntake:    stopIntake,
		stopHeartbeat: stopHeartbeat,
		stopRun:       stopRun,
	}

	l.tasks.Go(func() error {
		l.supDone <- sup.Run(runCtx)
		return nil
	})
	l.tasks.Go(func() error {
		disp.RunHeartbeat(hbCtx, a.cfg.Dispatch.HeartbeatInterval)
		return nil
	})

	if addr := a.cfg.Metrics.Listen; addr != "" {
		l.tasks.Go(func() error {
			if err := metrics.Serve(runCtx, addr, a.registry); err != nil {
				a.logger.LogError(i18n.T("metrics_serve_failed", nil), err, map[string]any{"address": addr})
			}
			return nil
		})
	}

	if input != nil {
		l.feedDone = make(chan error, 1)
		f := feed.New(disp, a.cfg.Dispatch.Concurrency)
		go func() {
			l.feedDone <- f.Run(intakeCtx, input, a.output)
		}()
	}

	return l
}

// shutdown stops intake, lets in-flight work finish within the grace period
// and then closes the session. A second signal ends the wait early.
func (a *App) shutdown(l *lifecycle, reason string) error {
	grace := a.cfg.Shutdown.GracePeriod
	a.publish(event.ShutdownStarted, reason)
	a.logger.Info(i18n.T("app_shutdown_started", nil), map[string]any{
		"reason":       reason,
		"grace_period": grace.String(),
		"in_flight":    l.disp.InFlight(),
	})

	disarm := startBackstop(grace, a.exit)
	defer disarm()

	l.stopIntake()
	l.sup.Shutdown()
	l.disp.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	go func() {
		select {
		case sig := <-a.signals:
			a.logger.Warn(i18n.T("app_second_signal", map[string]any{"Signal": sig.String()}), nil)
			cancel()
		case <-drainCtx.Done():
		}
	}()

	drainErr := l.disp.Drain(drainCtx)
	if drainErr == nil && l.feedDone != nil {
		// The feed writes its last results after the dispatcher is idle.
		select {
		case <-l.feedDone:
		case <-drainCtx.Done():
		}
	}
	inFlight := l.disp.InFlight()

	l.stopHeartbeat()
	if err := l.sup.Close(); err != nil {
		a.logger.LogError(i18n.T("app_session_close_failed", nil), err, nil)
	}
	l.stopRun()
	a.waitTasks(l)

	a.publish(event.ShutdownComplete, reason)

	if drainErr != nil {
		msg := i18n.Tp("app_shutdown_forced", inFlight, nil)
		a.logger.Warn(msg, nil)
		return util.WrapWithBase(util.ErrForcedShutdown, msg, drainErr)
	}

	a.logger.Info(i18n.T("app_shutdown_complete", nil), nil)
	return nil
}

// abort handles the supervisor ending on its own: the attempt budget ran out
// and every pending submission fails.
func (a *App) abort(l *lifecycle, supErr error) error {
	l.stopIntake()
	l.stopHeartbeat()
	l.disp.Close()

	grace := a.cfg.Shutdown.GracePeriod
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = l.disp.Drain(drainCtx)
	if l.feedDone != nil {
		select {
		case <-l.feedDone:
		case <-drainCtx.Done():
		}
	}
	_ = l.sup.Close()
	l.stopRun()
	a.waitTasks(l)
	a.publish(event.ShutdownComplete, "supervisor")

	if supErr == nil {
		return nil
	}
	a.logger.LogError(i18n.T("app_supervisor_gave_up", nil), supErr, nil)
	return supErr
}

// waitTasks waits for the background tasks of l after stopRun.
func (a *App) waitTasks(l *lifecycle) {
	if finished, _ := util.WaitGroupWithTimeout(&l.tasks, taskWait); !finished {
		a.logger.Warn(i18n.T("app_tasks_hung", map[string]any{"Timeout": taskWait.String()}), nil)
	}
}

// connectorFromConfig builds one connector per configured endpoint, tried in
// order, after checking each endpoint's transport and credentials.
func (a *App) connectorFromConfig() (transport.Connector, error) {
	endpoints, err := a.cfg.EndpointList()
	if err != nil {
		return nil, err
	}

	hello := transport.Hello{
		Client:    config.AppName,
		Version:   a.version,
		UserAgent: a.cfg.UserAgent(a.version),
		Tags:      a.cfg.Identity.Tags,
	}

	connectors := make([]transport.Connector, 0, len(endpoints))
	for _, endpoint := range endpoints {
		opts := []transport.Option{
			transport.WithProtocol(endpoint.Protocol),
			transport.WithHost(endpoint.Host),
			transport.WithPort(endpoint.Port),
			transport.WithUser(endpoint.User),
			transport.WithKeyFile(a.cfg.Connection.KeyFile),
			transport.WithKnownHosts(a.cfg.Connection.KnownHosts),
			transport.WithTimeout(a.cfg.Connection.Timeout),
			transport.WithHello(hello),
		}
		if err := transport.Preflight(opts...); err != nil {
			return nil, err
		}
		connectors = append(connectors, transport.NewConnector(opts...))
	}

	return transport.NewFailoverConnector(connectors...), nil
}

// openInput resolves work.input: "-" is stdin, empty disables the feed and
// anything else is a file path.
func (a *App) openInput() (io.Reader, func(), error) {
	if a.input != nil {
		return a.input, func() {}, nil
	}

	switch a.cfg.Work.Input {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdin, func() {}, nil
	}

	file, err := os.Open(a.cfg.Work.Input)
	if err != nil {
		return nil, nil, util.NewError(util.ErrTypeConfig,
			i18n.T("app_input_open_failed", map[string]any{"Path": a.cfg.Work.Input}), err)
	}
	return file, func() { _ = file.Close() }, nil
}

func (a *App) publish(eventType string, data any) {
	a.bus.Publish(event.Event{Type: eventType, Data: data})
}
