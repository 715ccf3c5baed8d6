// Package metrics exposes Prometheus instrumentation for the pipeline.
// Collectors are registered once via promauto on the default registry;
// the CLI serves them on an optional /metrics listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts pipeline runs by terminal state.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erppilot",
		Name:      "requests_total",
		Help:      "Pipeline runs by terminal state.",
	}, []string{"state"})

	// ActionsTotal counts executed actions by name and outcome status.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erppilot",
		Name:      "actions_total",
		Help:      "Executed actions by name and status.",
	}, []string{"action", "status"})

	// DecisionsTotal counts guard verdicts.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erppilot",
		Name:      "guard_decisions_total",
		Help:      "Guard decisions by verdict.",
	}, []string{"decision"})

	// StageDuration observes per-stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "erppilot",
		Name:      "stage_duration_seconds",
		Help:      "Latency per pipeline stage.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	// CompletionFailures counts gateway failures by kind.
	CompletionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erppilot",
		Name:      "completion_failures_total",
		Help:      "Completion backend failures by error kind.",
	}, []string{"kind"})

	// RateLimited counts requests rejected at the door.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "erppilot",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-user rate limit.",
	})

	// AuditQueueDepth gauges the audit queue backlog.
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "erppilot",
		Name:      "audit_queue_depth",
		Help:      "Entries waiting in the audit queue.",
	})
)

// ObserveStage records one stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a metrics listener until ctx is cancelled, then shuts it
// down gracefully. Blocks; run it in a goroutine.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
