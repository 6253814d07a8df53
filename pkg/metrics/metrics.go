package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	ComputePointsReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_compute_points_reserved",
			Help: "Compute points reserved across the fleet",
		},
	)

	// Reconciliation metrics
	ObligationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_obligations_created_total",
			Help: "Total obligations created by type",
		},
		[]string{"type"},
	)

	ObligationsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_obligations_completed_total",
			Help: "Total obligations completed by type",
		},
		[]string{"type"},
	)

	ObligationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_obligations_failed_total",
			Help: "Total obligations failed by type",
		},
		[]string{"type"},
	)

	ObligationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_obligation_retries_total",
			Help: "Total obligation retry transitions by type",
		},
		[]string{"type"},
	)

	ObligationsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_obligations_cancelled_total",
			Help: "Total obligations cascade-cancelled",
		},
	)

	ObligationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_obligations_active",
			Help: "Currently active (non-terminal) obligations",
		},
	)

	ReconciliationTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_reconciliation_tick_duration_seconds",
			Help:    "Duration of one reconciliation tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_reconciliation_ticks_total",
			Help: "Total reconciliation ticks completed",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_scheduling_latency_seconds",
			Help:    "Time taken to place a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_vms_scheduled_total",
			Help: "Total VMs successfully placed",
		},
	)

	SchedulingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_scheduling_rejections_total",
			Help: "Total scheduling rejections by reason",
		},
		[]string{"reason"},
	)

	// Node lifecycle metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_heartbeats_total",
			Help: "Total heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	CommandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_commands_dispatched_total",
			Help: "Total node commands dispatched by type",
		},
		[]string{"type"},
	)

	CommandAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_command_acks_total",
			Help: "Total command acknowledgements by outcome",
		},
		[]string{"outcome"},
	)

	// Attestation metrics
	AttestationChallenges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_attestation_challenges_total",
			Help: "Total attestation challenges by outcome",
		},
		[]string{"outcome"},
	)

	AttestationRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_attestation_rtt_seconds",
			Help:    "Attestation challenge round-trip time in seconds",
			Buckets: []float64{.005, .01, .025, .05, .075, .1, .15, .25, .5},
		},
	)

	BillingPausedVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_billing_paused_vms",
			Help: "VMs with billing paused by attestation failures",
		},
	)

	// Billing metrics
	UsageRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_usage_records_total",
			Help: "Total usage records written",
		},
	)

	BillingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_billing_cycle_duration_seconds",
			Help:    "Duration of one billing pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery scanner metrics
	RecoveryObligations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_recovery_obligations_total",
			Help: "Obligations created by the recovery scanner by type",
		},
		[]string{"type"},
	)

	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_events_total",
			Help: "Total events published by type",
		},
		[]string{"type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_api_requests_total",
			Help: "Total API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(ComputePointsReserved)
	prometheus.MustRegister(ObligationsCreated)
	prometheus.MustRegister(ObligationsCompleted)
	prometheus.MustRegister(ObligationsFailed)
	prometheus.MustRegister(ObligationRetries)
	prometheus.MustRegister(ObligationsCancelled)
	prometheus.MustRegister(ObligationsActive)
	prometheus.MustRegister(ReconciliationTickDuration)
	prometheus.MustRegister(ReconciliationTicksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(VMsScheduled)
	prometheus.MustRegister(SchedulingRejections)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(CommandsDispatched)
	prometheus.MustRegister(CommandAcks)
	prometheus.MustRegister(AttestationChallenges)
	prometheus.MustRegister(AttestationRTT)
	prometheus.MustRegister(BillingPausedVMs)
	prometheus.MustRegister(UsageRecordsTotal)
	prometheus.MustRegister(BillingCycleDuration)
	prometheus.MustRegister(RecoveryObligations)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
