// Package metrics exposes client health as Prometheus metrics, fed from the
// event bus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daedalus/daedalus_client/internal/event"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const namespace = "daedalus_client"

var supervisorStates = []string{"idle", "connecting", "connected", "backoff", "terminated"}

type Metrics struct {
	ConnectFailures     prometheus.Counter
	ConsecutiveFailures prometheus.Gauge
	BackoffSeconds      prometheus.Gauge
	SessionsOpened      prometheus.Counter
	SessionsClosed      prometheus.Counter
	SessionFailures     prometheus.Counter
	HeartbeatsMissed    prometheus.Counter
	SupervisorState     *prometheus.GaugeVec
	WorkOutcomes        *prometheus.CounterVec
	WorkRetries         prometheus.Counter
	WorkDuration        prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts",
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Consecutive connection failures since the last success",
		}),
		BackoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Nominal delay before the next connection attempt",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions established",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down",
		}),
		SessionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Sessions that failed while in use",
		}),
		HeartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_missed_total",
			Help:      "Heartbeats left unacknowledged",
		}),
		SupervisorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the current supervisor state, 0 otherwise",
		}, []string{"state"}),
		WorkOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_total",
			Help:      "Work items by terminal outcome",
		}, []string{"outcome"}),
		WorkRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_retries_total",
			Help:      "Re-submissions of retryable work items",
		}),
		WorkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Time from submission to terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}

// Observe keeps the metrics current from bus events until the returned
// function is called.
func (m *Metrics) Observe(bus *event.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(event.ConnectFailed, func(evt event.Event) {
			data, ok := evt.Data.(event.ConnectFailure)
			if !ok {
				return
			}
			m.ConnectFailures.Inc()
			m.ConsecutiveFailures.Set(float64(data.ConsecutiveFailures))
			m.BackoffSeconds.Set(data.Backoff.Seconds())
		}),
		bus.Subscribe(event.SessionOpened, func(event.Event) {
			m.SessionsOpened.Inc()
			m.ConsecutiveFailures.Set(0)
			m.BackoffSeconds.Set(0)
		}),
		bus.Subscribe(event.StateChanged, func(evt event.Event) {
			data, ok := evt.Data.(event.StateChange)
			if !ok {
				return
			}
			for _, state := range supervisorStates {
				value := 0.0
				if state == data.To {
					value = 1
				}
				m.SupervisorState.WithLabelValues(state).Set(value)
			}
		}),
		bus.Subscribe(event.WorkCompleted, func(evt event.Event) {
			data, ok := evt.Data.(event.WorkResult)
			if !ok {
				return
			}
			m.WorkOutcomes.WithLabelValues(data.Outcome).Inc()
			m.WorkRetries.Add(float64(data.Retries))
			m.WorkDuration.Observe(data.Duration.Seconds())
		}),
	}

	counters := map[string]prometheus.Counter{
		event.SessionClosed:   m.SessionsClosed,
		event.SessionFailed:   m.SessionFailures,
		event.HeartbeatMissed: m.HeartbeatsMissed,
	}
	counted := []string{event.SessionClosed, event.SessionFailed, event.HeartbeatMissed}
	unsubs = append(unsubs, bus.SubscribeMultiple(counted, func(evt event.Event) {
		counters[evt.Type].Inc()
	})...)

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Serve exposes gatherer on addr at /metrics until ctx ends.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Info(i18n.T("metrics_listening", map[string]any{"Address": addr}), nil)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	}
}
