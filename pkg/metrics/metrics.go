// Package metrics exposes adapter activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the adapter's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	events         *prometheus.CounterVec
	commands       *prometheus.CounterVec
	pauses         *prometheus.CounterVec
}

// New creates the collectors and registers them with a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgbridge_runtime_requests_total",
			Help: "Runtime requests by method and outcome",
		}, []string{"method", "outcome"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbgbridge_runtime_request_duration_seconds",
			Help:    "Time from sending a runtime request to its response",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgbridge_events_total",
			Help: "Events written to the host by name",
		}, []string{"event"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgbridge_commands_total",
			Help: "Host commands received by type",
		}, []string{"type"}),
		pauses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgbridge_pauses_total",
			Help: "Debuggee pauses by cause (entry, breakpoint, other)",
		}, []string{"cause"}),
	}
}

// ObserveRequest records a completed runtime request. Its signature matches
// inspector.Observer.
func (m *Metrics) ObserveRequest(method string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// EventWritten counts an event sent to the host.
func (m *Metrics) EventWritten(name string) {
	m.events.WithLabelValues(name).Inc()
}

// CommandReceived counts a host command.
func (m *Metrics) CommandReceived(typ string) {
	m.commands.WithLabelValues(typ).Inc()
}

// Paused counts a debuggee pause. Its signature matches session.PauseHook.
func (m *Metrics) Paused(cause string) {
	m.pauses.WithLabelValues(cause).Inc()
}

// TrackPending exports the number of runtime requests awaiting a response.
func (m *Metrics) TrackPending(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dbgbridge_runtime_requests_pending",
		Help: "Runtime requests awaiting a response",
	}, func() float64 { return float64(pending()) }))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Debug("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
