package scan

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Extraction metrics
	ExtractionsTotal          *prometheus.CounterVec
	ExtractionDurationSeconds prometheus.Histogram
	EstimatedTokensTotal      prometheus.Counter

	// History metrics
	PersistenceFailuresTotal *prometheus.CounterVec
	HistoryRecords           prometheus.Gauge

	// Session metrics
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExtractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocr_history_extractions_total",
				Help: "Total number of extraction attempts",
			},
			[]string{"outcome"},
		),
		ExtractionDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocr_history_extraction_duration_seconds",
				Help:    "Duration of text-recognition calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
			},
		),
		EstimatedTokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ocr_history_estimated_tokens_total",
				Help: "Sum of token estimates for successfully extracted images",
			},
		),
		PersistenceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocr_history_persistence_failures_total",
				Help: "Total history writes that failed",
			},
			[]string{"operation"},
		),
		HistoryRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocr_history_history_records",
				Help: "Records in the live history snapshot",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocr_history_active_sessions",
				Help: "Open pipeline sessions",
			},
		),
	}
}

func (m *Metrics) observeExtraction(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(outcome).Inc()
	m.ExtractionDurationSeconds.Observe(time.Since(started).Seconds())
}

func (m *Metrics) addTokens(n int) {
	if m == nil {
		return
	}
	m.EstimatedTokensTotal.Add(float64(n))
}

func (m *Metrics) persistenceFailed(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) historySize(n int) {
	if m == nil {
		return
	}
	m.HistoryRecords.Set(float64(n))
}

func (m *Metrics) sessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
