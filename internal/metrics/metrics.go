// Package metrics provides Prometheus instrumentation for the screening
// engine. Each Metrics owns its registry so tests and multiple units in one
// process do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AaronLay10/ScreeningEngine/internal/episode"
)

// Metrics implements episode.Observer.
type Metrics struct {
	reg *prometheus.Registry

	submissions    *prometheus.CounterVec
	commitDuration prometheus.Histogram
	created        prometheus.Counter
	closed         *prometheus.CounterVec
	dependencyUp   *prometheus.GaugeVec
}

var _ episode.Observer = (*Metrics)(nil)

// New registers the engine collectors plus the Go and process collectors.
// unit and version become constant labels on screening_build_info.
func New(unit, version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_submissions_total",
				Help: "Stage submissions by stage and result",
			},
			[]string{"stage", "result"}, // result: committed, invalid, illegal, conflict, error
		),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "screening_commit_duration_seconds",
			Help:    "Time to compute and persist a stage commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		created: f.NewCounter(prometheus.CounterOpts{
			Name: "screening_episodes_created_total",
			Help: "Episodes opened",
		}),
		closed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_episodes_closed_total",
				Help: "Episodes closed by final outcome",
			},
			[]string{"outcome"},
		),
		dependencyUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "screening_dependency_up",
				Help: "Whether a dependency is reachable (1) or not (0)",
			},
			[]string{"dependency"}, // store, mqtt
		),
	}
	f.NewGauge(prometheus.GaugeOpts{
		Name:        "screening_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"unit": unit, "version": version},
	}).Set(1)
	return m
}

func (m *Metrics) SubmissionRecorded(stage, result string) {
	m.submissions.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) CommitObserved(d time.Duration) {
	m.commitDuration.Observe(d.Seconds())
}

func (m *Metrics) EpisodeCreated() { m.created.Inc() }

func (m *Metrics) EpisodeClosed(outcome string) {
	m.closed.WithLabelValues(outcome).Inc()
}

// SetDependency records whether name is reachable.
func (m *Metrics) SetDependency(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
