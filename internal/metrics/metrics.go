// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oracle_engine"

// Update outcomes used as the "result" label.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
)

// ── Update cycle ───────────────────────────────────────────────────────

var (
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "update",
		Name:      "total",
		Help:      "Update attempts per oracle and outcome.",
	}, []string{"oracle", "result"})

	UpdateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "update",
		Name:      "duration_seconds",
		Help:      "Duration of one update attempt per oracle.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"oracle"})

	ValidationRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "update",
		Name:      "validation_rejections_total",
		Help:      "Updates rejected by out-of-band validation.",
	}, []string{"oracle", "reason"})
)

// ── Sources ────────────────────────────────────────────────────────────

var (
	ConsultationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "consultations_total",
		Help:      "Source consultations during aggregation per outcome.",
	}, []string{"oracle", "source", "status"})

	ValidSources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "valid",
		Help:      "Number of sources that contributed to the last aggregation.",
	}, []string{"oracle", "asset"})
)

// ── Observations ───────────────────────────────────────────────────────

var (
	ObservationPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "observation",
		Name:      "price",
		Help:      "Latest recorded price, in quote units.",
	}, []string{"oracle", "asset"})

	ObservationTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "observation",
		Name:      "timestamp_seconds",
		Help:      "Timestamp of the latest recorded observation.",
	}, []string{"oracle", "asset"})

	FilterValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "filter",
		Name:      "value",
		Help:      "Latest filtered value per filter and asset.",
	}, []string{"filter", "asset"})
)

// ── Alerts ─────────────────────────────────────────────────────────────

var (
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts successfully delivered.",
	}, []string{"type"})

	AlertsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Total alert delivery failures.",
	}, []string{"type"})
)

// ── HTTP ───────────────────────────────────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests per method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency per method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
