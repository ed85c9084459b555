package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Client cache metrics
	CacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_cache_entries_total",
			Help: "Number of documents currently resident in the client cache",
		},
	)

	InFlightPushes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_inflight_pushes",
			Help: "Number of docIds with an outstanding sync request",
		},
	)

	// Sync engine metrics
	SyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_sync_requests_total",
			Help: "Total number of sync requests by outcome",
		},
		[]string{"outcome"},
	)

	SyncRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncd_sync_request_duration_seconds",
			Help:    "Round-trip duration of a sync request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsolidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_consolidations_total",
			Help: "Total number of consolidation attempts by outcome",
		},
		[]string{"outcome"}, // applied, skipped_stale_clock
	)

	// Server-side metrics
	RoomMembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncd_room_members_total",
			Help: "Number of sockets currently joined to a document room",
		},
		[]string{"docId"},
	)

	OperationsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_operations_appended_total",
			Help: "Total number of client operations appended to the authoritative log",
		},
	)

	SquashRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_squash_runs_total",
			Help: "Total number of server-side squash compactions performed",
		},
	)

	DirtyEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_dirty_events_total",
			Help: "Total number of dirty events emitted to other room members",
		},
	)

	// Sequencer metrics
	SequencerLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_sequencer_is_leader",
			Help: "Whether this node is the elected authoritative sequencer (1) or a follower (0)",
		},
	)

	SequencerApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncd_sequencer_apply_duration_seconds",
			Help:    "Time taken to apply a clock-assignment log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(CacheEntriesTotal)
	prometheus.MustRegister(InFlightPushes)
	prometheus.MustRegister(SyncRequestsTotal)
	prometheus.MustRegister(SyncRequestDuration)
	prometheus.MustRegister(ConsolidationsTotal)
	prometheus.MustRegister(RoomMembersTotal)
	prometheus.MustRegister(OperationsAppendedTotal)
	prometheus.MustRegister(SquashRunsTotal)
	prometheus.MustRegister(DirtyEventsTotal)
	prometheus.MustRegister(SequencerLeader)
	prometheus.MustRegister(SequencerApplyDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
