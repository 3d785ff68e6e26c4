// Package metrics provides Prometheus metrics for the lifecycle service
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lifecycle service. All
// recording methods are safe on a nil *Metrics.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	VersionsCreated    *prometheus.CounterVec
	NoopEditsTotal     *prometheus.CounterVec
	ConflictsTotal     *prometheus.CounterVec
	IntegrityErrors    prometheus.Counter

	// Audit relay metrics
	AuditRelayDelivered prometheus.Counter
	AuditRelayPending   prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all metrics on the default registerer
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifecycle_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Lifecycle metrics
	m.TransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Total number of lifecycle transitions attempted",
		},
		[]string{"kind", "target", "status"},
	)

	m.TransitionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifecycle_transition_duration_seconds",
			Help:    "Duration of lifecycle transitions in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind"},
	)

	m.VersionsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_versions_created_total",
			Help: "Total number of versions created",
		},
		[]string{"kind", "mode"},
	)

	m.NoopEditsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_noop_edits_total",
			Help: "Edits whose content checksum matched the parent",
		},
		[]string{"kind"},
	)

	m.ConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_conflicts_total",
			Help: "Writes rejected because of a concurrent modification or number collision",
		},
		[]string{"kind"},
	)

	m.IntegrityErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_integrity_errors_total",
			Help: "Stored versions whose content no longer matched the checksum",
		},
	)

	// Audit relay metrics
	m.AuditRelayDelivered = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_audit_relay_delivered_total",
			Help: "Audit records delivered from the outbox to the sink",
		},
	)

	m.AuditRelayPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_audit_relay_pending",
			Help: "Undelivered audit records seen by the last relay drain",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until ctx is cancelled
func (m *Metrics) RunUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTransition records one transition attempt
func (m *Metrics) RecordTransition(kind, target, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, target, status).Inc()
	m.TransitionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordVersionCreated records a new version; mode is "create" or "edit"
func (m *Metrics) RecordVersionCreated(kind, mode string) {
	if m == nil {
		return
	}
	m.VersionsCreated.WithLabelValues(kind, mode).Inc()
}

// RecordNoopEdit records an edit that produced no new version
func (m *Metrics) RecordNoopEdit(kind string) {
	if m == nil {
		return
	}
	m.NoopEditsTotal.WithLabelValues(kind).Inc()
}

// RecordConflict records a ConflictError
func (m *Metrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(kind).Inc()
}

// RecordIntegrityError records a checksum mismatch
func (m *Metrics) RecordIntegrityError() {
	if m == nil {
		return
	}
	m.IntegrityErrors.Inc()
}

// AuditDelivered implements audit.RelayObserver
func (m *Metrics) AuditDelivered(n int) {
	if m == nil {
		return
	}
	m.AuditRelayDelivered.Add(float64(n))
}

// AuditPending implements audit.RelayObserver
func (m *Metrics) AuditPending(n int) {
	if m == nil {
		return
	}
	m.AuditRelayPending.Set(float64(n))
}
