// Package metrics exposes Prometheus collectors for scheduling cycles and the
// ops HTTP surface.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albapepper/beacon-scheduler/internal/beacon"
)

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_cycles_total",
			Help: "Scheduling cycles by outcome",
		},
		[]string{"status"}, // status: ok, failed
	)

	CycleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_cycle_failures_total",
			Help: "Failed cycles by the phase that failed",
		},
		[]string{"phase"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_cycle_duration_seconds",
			Help:    "Scheduling cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_notifications_created_total",
			Help: "Recipient notification rows created",
		},
	)

	NotificationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_resolved_total",
			Help: "Pending notifications resolved by the dispatcher",
		},
		[]string{"status"}, // status: sent, sent_silently, failed, cancelled
	)

	BeaconsDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_beacons_deactivated_total",
			Help: "Beacons deactivated by the expiry sweep",
		},
	)

	OwnerEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_owner_escalations_total",
			Help: "Owner escalation stages fired",
		},
		[]string{"stage"},
	)

	TokensPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_device_tokens_pruned_total",
			Help: "Device tokens deactivated after the provider rejected them",
		},
	)

	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_last_successful_cycle_timestamp_seconds",
			Help: "Unix time of the last cycle that completed every phase",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

var stageLabels = [beacon.FinalStage]string{"0", "1", "2"}

// ObserveCycle records one cycle's counters. Counters from phases that
// completed before a failure are still recorded.
func ObserveCycle(res beacon.CycleResult, err error) {
	CycleDuration.Observe(res.Duration.Seconds())

	if err != nil {
		CyclesTotal.WithLabelValues("failed").Inc()
		phase := "unknown"
		var pe *beacon.PhaseError
		if errors.As(err, &pe) {
			phase = pe.Phase
		}
		CycleFailures.WithLabelValues(phase).Inc()
	} else {
		CyclesTotal.WithLabelValues("ok").Inc()
		LastSuccess.Set(float64(res.StartedAt.Add(res.Duration).Unix()))
	}

	BeaconsDeactivated.Add(float64(res.Sweep.BeaconsDeactivated))
	NotificationsCreated.Add(float64(res.Notify.Created))

	d := res.Dispatch
	NotificationsResolved.WithLabelValues("sent").Add(float64(d.Sent))
	NotificationsResolved.WithLabelValues("sent_silently").Add(float64(d.SentSilently))
	NotificationsResolved.WithLabelValues("failed").Add(float64(d.Failed))
	NotificationsResolved.WithLabelValues("cancelled").Add(float64(d.Cancelled))
	TokensPruned.Add(float64(d.TokensPruned))

	for stage, n := range res.Escalate.Fired {
		OwnerEscalations.WithLabelValues(stageLabels[stage]).Add(float64(n))
	}
}

// RecordHTTPRequest records an ops API request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
