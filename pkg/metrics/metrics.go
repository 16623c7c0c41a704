package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registration metrics
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_registrations_total",
			Help: "Total number of registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	RegistrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropboxd_registration_duration_seconds",
			Help:    "Time from picking up an incoming unit to its outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ProcessRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dropboxd_process_retries_total",
			Help: "Total number of times a dropbox program was re-run after a failure",
		},
	)

	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_hook_failures_total",
			Help: "Total number of dropbox hook failures by hook",
		},
		[]string{"hook"},
	)

	// Rollback metrics
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_rollbacks_total",
			Help: "Total number of rolled back registrations by error type",
		},
		[]string{"error_type"},
	)

	RollbackEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_rollback_entries_total",
			Help: "Total number of rollback entries processed by result",
		},
		[]string{"result"},
	)

	// Recovery metrics
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_recovery_attempts_total",
			Help: "Total number of recovery attempts by result",
		},
		[]string{"result"},
	)

	RecoveryPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dropboxd_recovery_pass_duration_seconds",
			Help:    "Time taken by one recovery scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MarkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dropboxd_recovery_markers",
			Help: "Number of recovery markers on disk by state",
		},
		[]string{"state"},
	)

	// Remote store metrics
	RemoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropboxd_remote_calls_total",
			Help: "Total number of entity store calls by method and status",
		},
		[]string{"method", "status"},
	)

	RemoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropboxd_remote_call_duration_seconds",
			Help:    "Entity store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(RegistrationDuration)
	prometheus.MustRegister(ProcessRetriesTotal)
	prometheus.MustRegister(HookFailuresTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RollbackEntriesTotal)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(RecoveryPassDuration)
	prometheus.MustRegister(MarkersTotal)
	prometheus.MustRegister(RemoteCallsTotal)
	prometheus.MustRegister(RemoteCallDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
