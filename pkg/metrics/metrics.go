// Package metrics exposes Prometheus counters for a migration node. Metrics
// implements events.Sink, so it is fed the same stream as the other sinks.
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

	"sharelift/pkg/events"
	"sharelift/pkg/pipeline"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// Metrics holds the prometheus collectors of a node.
type Metrics struct {
	Entries      *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Bytes        prometheus.Counter
	Retries      prometheus.Counter
	EntryLatency prometheus.Histogram

	Passes         prometheus.Counter
	CurrentPass    prometheus.Gauge
	PassDuration   prometheus.Histogram
	ViewEpoch      prometheus.Gauge
	Membership     *prometheus.CounterVec
	LastEventStamp prometheus.Gauge
}

// New creates and registers the metrics. A nil registry means the default
// Prometheus registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		Entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharelift_entries_total",
			Help: "Entries processed, by outcome and detail",
		}, []string{"outcome", "detail"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharelift_failures_total",
			Help: "Failed entries, by reason",
		}, []string{"reason"}),
		Bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sharelift_bytes_copied_total",
			Help: "Bytes written to the destination",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "sharelift_retries_total",
			Help: "Extra attempts made after retryable failures",
		}),
		EntryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharelift_entry_duration_seconds",
			Help:    "Time spent migrating one entry",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Passes: f.NewCounter(prometheus.CounterOpts{
			Name: "sharelift_passes_total",
			Help: "Completed passes",
		}),
		CurrentPass: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharelift_pass",
			Help: "Number of the last completed pass",
		}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharelift_pass_duration_seconds",
			Help:    "Wall time of a pass",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		ViewEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharelift_view_epoch",
			Help: "Epoch of the local cluster view",
		}),
		Membership: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharelift_membership_events_total",
			Help: "Membership changes seen by this node",
		}, []string{"event"}),
		LastEventStamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharelift_last_event_timestamp_seconds",
			Help: "Unix time of the last recorded event",
		}),
	}
}

// Record implements events.Sink.
func (m *Metrics) Record(_ context.Context, e events.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	m.LastEventStamp.Set(float64(at.Unix()))

	switch {
	case e.Outcome != nil:
		m.observeOutcome(*e.Outcome)
	case e.Stats != nil:
		m.Passes.Inc()
		m.CurrentPass.Set(float64(e.Stats.Pass))
		m.PassDuration.Observe(e.Stats.Duration.Seconds())
		m.ViewEpoch.Set(float64(e.Stats.Epoch))
	case e.Subject != "":
		m.Membership.WithLabelValues(string(e.Kind)).Inc()
		m.ViewEpoch.Set(float64(e.Epoch))
	}
}

func (m *Metrics) observeOutcome(o types.Outcome) {
	m.Entries.WithLabelValues(o.Kind.String(), string(o.Detail)).Inc()
	if o.Bytes > 0 && o.Kind != types.Skipped {
		m.Bytes.Add(float64(o.Bytes))
	}
	if o.Attempts > 1 {
		m.Retries.Add(float64(o.Attempts - 1))
	}
	if o.Duration > 0 {
		m.EntryLatency.Observe(o.Duration.Seconds())
	}
	if o.Kind == types.Failed {
		m.Failures.WithLabelValues(failureReason(o.Err)).Inc()
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, pipeline.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return share.KindOf(err).String()
}

// Serve starts an HTTP server with /metrics and a liveness probe on addr.
func Serve(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
