// Package obsmetrics exposes an additive Prometheus /metrics endpoint, opt-in
// via EASE_METRICS_PORT. Nothing in the worker loop depends on it; it is pure
// observation layered on top of the concurrency limiter and heartbeat, per
// SPEC_FULL.md's domain stack section.
package obsmetrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/easeworks/gpu-worker/internal/logging"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	InFlight          prometheus.Gauge
	TasksTotal        *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter

	registry *prometheus.Registry
}

// New creates a fresh set of collectors registered against a private
// registry, so multiple Metrics values in tests never collide on the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		InFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gpu_worker_in_flight_requests",
			Help: "Number of requests currently admitted and executing.",
		}),
		TasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gpu_worker_tasks_total",
			Help: "Total tasks completed, by terminal status.",
		}, []string{"status"}),
		HeartbeatFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gpu_worker_heartbeat_failures_total",
			Help: "Total heartbeat POSTs that did not succeed.",
		}),
		registry: reg,
	}
	return m
}

// Serve blocks serving /metrics on port until ctx is cancelled.
func Serve(ctx context.Context, port int, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logging.Info(fmt.Sprintf("metrics server listening on %s", srv.Addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
