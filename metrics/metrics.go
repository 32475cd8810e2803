/*
Package metrics exposes the service's Prometheus instruments.

PURPOSE:
  One Recorder owns every collector and its own registry, so tests can
  build as many as they like without colliding on the default registerer.
  The Recorder plugs into the loyalty package through its observer
  interfaces and into the HTTP layer through ObserveRequest.

INSTRUMENTS:
  loyalty_redemptions_total{state,reason}      finished attempts
  loyalty_redemption_duration_seconds{state}   attempt latency
  loyalty_compensation_failures_total          customers debited with no code
  loyalty_points_total{kind,direction}         points credited and debited
  loyalty_coupon_pool_available{campaign,tier} codes left per partition
  loyalty_http_request_duration_seconds{route,method,status}

  All collectors carry the const labels service and env.

SEE ALSO:
  - loyalty/redeem.go: RedemptionObserver, Alerter
  - loyalty/accrual.go: EarnObserver
  - api/monitor.go: feeds the pool gauge
*/
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
)

// Config names the process in the const labels.
type Config struct {
	ServiceName string
	Environment string
}

// Recorder holds the collectors. A nil *Recorder is a no-op.
type Recorder struct {
	registry *prometheus.Registry

	redemptions          *prometheus.CounterVec
	redemptionDuration   *prometheus.HistogramVec
	compensationFailures prometheus.Counter
	points               *prometheus.CounterVec
	poolAvailable        *prometheus.GaugeVec
	requestDuration      *prometheus.HistogramVec
}

// New builds a Recorder on a fresh registry that also carries the Go and
// process collectors.
func New(cfg Config) *Recorder {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "loyalty-engine"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	redemptions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "loyalty_redemptions_total",
			Help:        "Finished redemption attempts by final state and failure reason.",
			ConstLabels: constLabels,
		},
		[]string{"state", "reason"},
	)

	redemptionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "loyalty_redemption_duration_seconds",
			Help: "Wall time of a redemption attempt, validation to final state.",
			Buckets: []float64{
				0.05, // one platform round trip
				0.1,
				0.25,
				0.5,
				1,
				2.5,
				5,
				15, // redeem timeout
			},
			ConstLabels: constLabels,
		},
		[]string{"state"},
	)

	compensationFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "loyalty_compensation_failures_total",
			Help:        "Redemptions whose refund failed, leaving the customer debited without a code.",
			ConstLabels: constLabels,
		},
	)

	points := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "loyalty_points_total",
			Help:        "Points moved by accrual, by entry kind and direction.",
			ConstLabels: constLabels,
		},
		[]string{"kind", "direction"}, // credit | debit
	)

	poolAvailable := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "loyalty_coupon_pool_available",
			Help:        "Codes still available per campaign and redemption tier.",
			ConstLabels: constLabels,
		},
		[]string{"campaign", "tier"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "loyalty_http_request_duration_seconds",
			Help:        "HTTP request latency by route pattern.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"route", "method", "status"},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		redemptions,
		redemptionDuration,
		compensationFailures,
		points,
		poolAvailable,
		requestDuration,
	)

	return &Recorder{
		registry:             registry,
		redemptions:          redemptions,
		redemptionDuration:   redemptionDuration,
		compensationFailures: compensationFailures,
		points:               points,
		poolAvailable:        poolAvailable,
		requestDuration:      requestDuration,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Recorder) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Recorder) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.Gatherers{}
	}
	return m.registry
}

// =============================================================================
// LOYALTY OBSERVERS
// =============================================================================

// RedemptionFinished implements loyalty.RedemptionObserver.
func (m *Recorder) RedemptionFinished(r loyalty.Redemption, elapsed time.Duration) {
	if m == nil {
		return
	}
	reason := string(r.Failure)
	if reason == "" {
		reason = "none"
	}
	m.redemptions.WithLabelValues(string(r.State), reason).Inc()

	seconds := elapsed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.redemptionDuration.WithLabelValues(string(r.State)).Observe(seconds)
}

// CompensationFailed implements loyalty.Alerter. It only counts; pair it
// with loyalty.LogAlerter through loyalty.Alerters.
func (m *Recorder) CompensationFailed(_ context.Context, _ loyalty.CompensationFailure) {
	if m == nil {
		return
	}
	m.compensationFailures.Inc()
}

// PointsEarned implements loyalty.EarnObserver. Negative amounts count
// as debits.
func (m *Recorder) PointsEarned(kind ledger.EntryType, points int64) {
	if m == nil || points == 0 {
		return
	}
	direction := "credit"
	if points < 0 {
		direction = "debit"
		points = -points
	}
	m.points.WithLabelValues(string(kind), direction).Add(float64(points))
}

// =============================================================================
// POOL AND HTTP
// =============================================================================

// SetPoolAvailable records the available codes of one partition.
func (m *Recorder) SetPoolAvailable(campaignID string, tier int64, available int64) {
	if m == nil {
		return
	}
	if available < 0 {
		available = 0
	}
	m.poolAvailable.WithLabelValues(campaignID, strconv.FormatInt(tier, 10)).Set(float64(available))
}

// ObserveRequest records one HTTP request. route should be the router
// pattern, not the raw path, to keep cardinality bounded.
func (m *Recorder) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.
		WithLabelValues(normalizeRoute(route), method, strconv.Itoa(status)).
		Observe(duration.Seconds())
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "unmatched"
	}
	return route
}

var (
	_ loyalty.RedemptionObserver = (*Recorder)(nil)
	_ loyalty.EarnObserver       = (*Recorder)(nil)
	_ loyalty.Alerter            = (*Recorder)(nil)
)
