package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tutortoise/exam-proctor-detector/detections"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Metrics holds the Prometheus collectors for both services.
type Metrics struct {
	Predictions       *prometheus.CounterVec
	PredictLatency    *prometheus.HistogramVec
	DetectionsByClass *prometheus.CounterVec
	AlertsEmitted     *prometheus.CounterVec
	AlertDeliveries   *prometheus.CounterVec
	ModelLoads        *prometheus.CounterVec
	SinkIngests       *prometheus.CounterVec
	SinkSize          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_predictions_total",
			Help: "Inference requests by model version and outcome",
		}, []string{"model", "outcome"}),
		PredictLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detector_predict_latency_seconds",
			Help:    "End-to-end predict latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"model"}),
		DetectionsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_detections_total",
			Help: "Detections returned by class label",
		}, []string{"model", "class"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_alerts_emitted_total",
			Help: "Alert events emitted by the behavioral engine",
		}, []string{"category"}),
		AlertDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_alert_deliveries_total",
			Help: "Alert delivery attempts by notifier and outcome",
		}, []string{"notifier", "outcome"}),
		ModelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_model_loads_total",
			Help: "Detector loads by version and outcome",
		}, []string{"model", "outcome"}),
		SinkIngests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_sink_ingests_total",
			Help: "Violations received by the alert sink by status",
		}, []string{"status"}),
		SinkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_sink_retained",
			Help: "Alerts currently retained by the sink",
		}),
	}

	m.registry.MustRegister(
		m.Predictions,
		m.PredictLatency,
		m.DetectionsByClass,
		m.AlertsEmitted,
		m.AlertDeliveries,
		m.ModelLoads,
		m.SinkIngests,
		m.SinkSize,
	)
	return m
}

// ObserveDropped exposes a counter owned elsewhere (the dispatcher's drop count).
func (m *Metrics) ObserveDropped(load func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "detector_alerts_dropped_total",
			Help: "Alert events dropped because the delivery queue was full",
		},
		func() float64 { return float64(load()) },
	))
}

// ObservePool exposes session pool usage of the resident detector.
func (m *Metrics) ObservePool(snapshot func() (detections.PoolSnapshot, bool)) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_sessions_in_use",
			Help: "Inference sessions currently checked out",
		},
		func() float64 {
			s, ok := snapshot()
			if !ok {
				return 0
			}
			return float64(s.InUse)
		},
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_sessions_live",
			Help: "Inference sessions alive in the pool, idle or checked out",
		},
		func() float64 {
			s, ok := snapshot()
			if !ok {
				return 0
			}
			return float64(s.Live)
		},
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_session_acquire_failures",
			Help: "Session acquisitions that timed out",
		},
		func() float64 {
			s, ok := snapshot()
			if !ok {
				return 0
			}
			return float64(s.AcquireFailures)
		},
	))
}

func (m *Metrics) RecordPrediction(version models.ModelVersion, dets []models.Detection, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Predictions.WithLabelValues(string(version), outcome).Inc()
	if err != nil {
		return
	}
	m.PredictLatency.WithLabelValues(string(version)).Observe(latency.Seconds())
	for _, d := range dets {
		m.DetectionsByClass.WithLabelValues(string(version), d.Class).Inc()
	}
}

func (m *Metrics) RecordAlert(evt models.AlertEvent) {
	m.AlertsEmitted.WithLabelValues(evt.Category).Inc()
}

func (m *Metrics) RecordDelivery(notifier string, err error) {
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.AlertDeliveries.WithLabelValues(notifier, outcome).Inc()
}

func (m *Metrics) RecordLoad(version models.ModelVersion, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ModelLoads.WithLabelValues(string(version), outcome).Inc()
}

func (m *Metrics) RecordIngest(status string, size int) {
	m.SinkIngests.WithLabelValues(status).Inc()
	m.SinkSize.Set(float64(size))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
