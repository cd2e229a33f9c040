// Package metrics exposes the Prometheus counters and histograms the
// ingestion pipeline publishes, per spec.md §4.7 and §6's /health endpoints.
// Global counters registered in init(), following the registration pattern
// used by the churn telemetry module in the reference pack.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privanalytics_events_received_total",
		Help: "Total privatized events accepted by the shuffler, by site.",
	}, []string{"site_id"})

	eventsDroppedLateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privanalytics_events_dropped_late_total",
		Help: "Total events dropped for arriving outside the out-of-order window, by site.",
	}, []string{"site_id"})

	bucketsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privanalytics_buckets_skipped_total",
		Help: "Total reducer buckets skipped, by reason (below_threshold, below_snr).",
	}, []string{"reason"})

	replayRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privanalytics_replay_rejected_total",
		Help: "Total requests rejected as nonce replays.",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privanalytics_rate_limited_total",
		Help: "Total requests rejected by the admission-control rate limiter.",
	})

	shuffleHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "privanalytics_shuffle_hold_seconds",
		Help:    "Distribution of the random hold duration the shuffler applies before forwarding a batch.",
		Buckets: []float64{0, 5, 15, 30, 60, 90, 120},
	})

	reducerRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "privanalytics_reducer_run_duration_seconds",
		Help:    "Distribution of reducer run wall-clock durations.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		eventsReceivedTotal,
		eventsDroppedLateTotal,
		bucketsSkippedTotal,
		replayRejectedTotal,
		rateLimitedTotal,
		shuffleHoldSeconds,
		reducerRunDuration,
	)
}

// Sink is the metrics surface the rest of the pipeline depends on, keeping
// components decoupled from the Prometheus client library directly.
type Sink interface {
	EventReceived(siteID string)
	EventDroppedLate(siteID string)
	BucketSkipped(reason string)
	ReplayRejected()
	RateLimited()
	ShuffleHold(d time.Duration)
	ReducerRun(d time.Duration)
}

// Prometheus is the production Sink implementation.
type Prometheus struct{}

func (Prometheus) EventReceived(siteID string)    { eventsReceivedTotal.WithLabelValues(siteID).Inc() }
func (Prometheus) EventDroppedLate(siteID string) { eventsDroppedLateTotal.WithLabelValues(siteID).Inc() }
func (Prometheus) BucketSkipped(reason string)    { bucketsSkippedTotal.WithLabelValues(reason).Inc() }
func (Prometheus) ReplayRejected()                { replayRejectedTotal.Inc() }
func (Prometheus) RateLimited()                   { rateLimitedTotal.Inc() }
func (Prometheus) ShuffleHold(d time.Duration)     { shuffleHoldSeconds.Observe(d.Seconds()) }
func (Prometheus) ReducerRun(d time.Duration)      { reducerRunDuration.Observe(d.Seconds()) }

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
