package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

const namespace = "mediaingest"

// Metrics records pipeline activity. A nil *Metrics is a no-op recorder.
type Metrics struct {
	stages        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	artifactBytes prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_stage_total",
			Help:      "Submissions that entered each stage.",
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_failures_total",
			Help:      "Failed submissions by the stage they failed in and error kind.",
		}, []string{"stage", "kind"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of collaborator calls.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "submissions_in_flight",
			Help:      "Submissions not yet in a terminal stage.",
		}),
		artifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of stored audio artifacts.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
	}
	reg.MustRegister(m.stages, m.failures, m.stepDuration, m.inFlight, m.artifactBytes)
	return m
}

func (m *Metrics) StageEntered(stage models.Stage) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(string(stage)).Inc()
	switch {
	case stage == models.StageReceived:
		m.inFlight.Inc()
	case stage.IsTerminal():
		m.inFlight.Dec()
	}
}

func (m *Metrics) Failed(f models.Failure) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(f.Stage), string(f.Kind)).Inc()
}

func (m *Metrics) ObserveStep(step string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stepDuration.WithLabelValues(step, outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ArtifactStored(size int64) {
	if m == nil {
		return
	}
	m.artifactBytes.Observe(float64(size))
}

// Handler exposes the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
