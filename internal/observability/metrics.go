package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quake"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// alert service.
type Metrics struct {
	// Upstream sources.
	SourceFetches       *prometheus.CounterVec   // labels: source, outcome={success,error}
	SourceFetchDuration *prometheus.HistogramVec // labels: source
	CacheResults        *prometheus.CounterVec   // labels: source, result={hit,stale,breaker,miss}
	BreakerOpen         *prometheus.GaugeVec     // labels: source

	// Polling.
	MergedRecords prometheus.Histogram
	NewEvents     prometheus.Counter
	PollDuration  prometheus.Histogram
	PollerRunning prometheus.Gauge

	// Delivery.
	Notifications       *prometheus.CounterVec // labels: channel, outcome={sent,failed}
	FilteredSubscribers *prometheus.CounterVec // labels: reason
	TokensDeactivated   prometheus.Counter

	// Crowd reports.
	SeismicReports *prometheus.CounterVec // labels: outcome={accepted,rejected}
	CrowdAlerts    *prometheus.CounterVec // labels: kind

	HTTPRequests *prometheus.CounterVec // labels: route, status
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Upstream fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		SourceFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of an upstream fetch including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 60},
		}, []string{"source"}),
		CacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_cache_total",
			Help:      "Source cache lookups by source and result.",
		}, []string{"source", "result"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_breaker_open",
			Help:      "1 while the source circuit breaker is open.",
		}, []string{"source"}),
		MergedRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merged_records",
			Help:      "Records in the merged stream per poll cycle.",
			Buckets:   []float64{0, 10, 25, 50, 100, 200, 500},
		}),
		NewEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_events_total",
			Help:      "Earthquakes detected for the first time by the poller.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of a complete poll and dispatch cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		PollerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_running",
			Help:      "1 when the poller is active, 0 when shut down.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		FilteredSubscribers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_filtered_total",
			Help:      "Subscribers skipped by preference filters.",
		}, []string{"reason"}),
		TokensDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_deactivated_total",
			Help:      "Push tokens deactivated or deleted as permanently invalid.",
		}),
		SeismicReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seismic_reports_total",
			Help:      "Crowd sensor reports by outcome.",
		}, []string{"outcome"}),
		CrowdAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crowd_alerts_total",
			Help:      "Alerts raised from crowd sensor reports by kind.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SourceFetches,
		m.SourceFetchDuration,
		m.CacheResults,
		m.BreakerOpen,
		m.MergedRecords,
		m.NewEvents,
		m.PollDuration,
		m.PollerRunning,
		m.Notifications,
		m.FilteredSubscribers,
		m.TokensDeactivated,
		m.SeismicReports,
		m.CrowdAlerts,
		m.HTTPRequests,
	}
}
