package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	AuditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_audit_events_total",
		Help: "Total number of audit events by action and provider.",
	}, []string{"action", "provider"})

	CallbackErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_callback_errors_total",
		Help: "Total number of failed OAuth callbacks by provider and error code.",
	}, []string{"provider", "code"})

	RefreshAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_refresh_attempts_total",
		Help: "Total number of token refresh attempts by provider and result.",
	}, []string{"provider", "result"})

	RefreshCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "slink_refresh_cycle_duration_seconds",
		Help:    "Duration of one token refresh cycle.",
		Buckets: prometheus.DefBuckets,
	})

	DegradedLinksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slink_degraded_links_total",
		Help: "Total number of links marked degraded.",
	})

	PendingRequestsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slink_pending_requests_deleted_total",
		Help: "Total number of expired pending authorization requests removed.",
	})
)

// InitCustomMetrics registers the custom Prometheus metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"AuditEventsTotal":            AuditEventsTotal,
		"CallbackErrorsTotal":         CallbackErrorsTotal,
		"RefreshAttemptsTotal":        RefreshAttemptsTotal,
		"RefreshCycleDuration":        RefreshCycleDuration,
		"DegradedLinksTotal":          DegradedLinksTotal,
		"PendingRequestsDeletedTotal": PendingRequestsDeletedTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}

	log.Info().Msg("Custom Prometheus metrics registered.")
}
