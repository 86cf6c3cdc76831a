package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Hooks decouples the pipeline from its instrumentation; the zero
// value is a no-op, tests pass Hooks{}.
type Hooks struct {
	OnOutcome        func(kind OutcomeKind, tier, reason string)
	OnGovernorDenied func(reason string)
	OnProviderCall   func(provider, outcome string, seconds float64)
	OnScan           func(sum *ScanSummary, seconds float64)
}

// Metrics holds Prometheus metrics for the scan pipeline.
type Metrics struct {
	OutcomesTotal        *prometheus.CounterVec
	GovernorDenialsTotal *prometheus.CounterVec
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ScansTotal           prometheus.Counter
	ScanDuration         prometheus.Histogram
	ScanBatchSize        prometheus.Histogram
	EventsAcceptedTotal  prometheus.Counter
	EventsPublishedTotal prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forager_message_outcomes_total",
			Help: "Message outcomes by kind, tier and reason.",
		}, []string{"kind", "tier", "reason"}),
		GovernorDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forager_governor_denials_total",
			Help: "Extraction acquisitions denied by the governor, by reason.",
		}, []string{"reason"}),
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forager_provider_calls_total",
			Help: "External capability calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forager_provider_call_duration_seconds",
			Help:    "Duration of external capability calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"provider"}),
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forager_scans_total",
			Help: "Completed scan runs.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forager_scan_duration_seconds",
			Help:    "Duration of scan runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		ScanBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forager_scan_batch_size",
			Help:    "Messages fetched per scan.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
		}),
		EventsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forager_events_accepted_total",
			Help: "Extracted events accepted above the confidence cutoff.",
		}),
		EventsPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forager_events_published_total",
			Help: "Events handed to the publisher.",
		}),
	}

	reg.MustRegister(
		m.OutcomesTotal,
		m.GovernorDenialsTotal,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ScansTotal,
		m.ScanDuration,
		m.ScanBatchSize,
		m.EventsAcceptedTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnOutcome: func(kind OutcomeKind, tier, reason string) {
			m.OutcomesTotal.WithLabelValues(string(kind), tier, reason).Inc()
			if kind == OutcomeAccepted {
				m.EventsAcceptedTotal.Inc()
			}
		},
		OnGovernorDenied: func(reason string) {
			m.GovernorDenialsTotal.WithLabelValues(reason).Inc()
		},
		OnProviderCall: func(provider, outcome string, seconds float64) {
			m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
			m.ProviderCallDuration.WithLabelValues(provider).Observe(seconds)
		},
		OnScan: func(sum *ScanSummary, seconds float64) {
			m.ScansTotal.Inc()
			m.ScanDuration.Observe(seconds)
			m.ScanBatchSize.Observe(float64(sum.Scanned))
			m.EventsPublishedTotal.Add(float64(sum.Published))
		},
	}
}
