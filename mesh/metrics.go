package mesh

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the planner's Prometheus collectors. It implements
// PlanObserver and can wrap HTTP handlers.
type Metrics struct {
	gatherer prometheus.Gatherer

	Plans          *prometheus.CounterVec
	StageDurations *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec

	LastAPs     prometheus.Gauge
	LastSamples prometheus.Gauge
}

// NewMetrics registers the planner metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	plans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apmesh_plans_total",
		Help: "Planning runs, labeled by outcome.",
	}, []string{"outcome"}), "apmesh_plans_total")
	if err != nil {
		return nil, err
	}

	stages, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apmesh_stage_duration_seconds",
		Help:    "Planner stage latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 60},
	}, []string{"stage"}), "apmesh_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apmesh_http_requests_total",
		Help: "HTTP requests, labeled by handler and status code.",
	}, []string{"handler", "code"}), "apmesh_http_requests_total")
	if err != nil {
		return nil, err
	}

	aps, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apmesh_last_plan_aps",
		Help: "Access points selected by the last successful plan.",
	}), "apmesh_last_plan_aps")
	if err != nil {
		return nil, err
	}
	samples, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apmesh_last_plan_samples",
		Help: "Sample points of the last successful plan.",
	}), "apmesh_last_plan_samples")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:       gatherer,
		Plans:          plans,
		StageDurations: stages,
		HTTPRequests:   requests,
		LastAPs:        aps,
		LastSamples:    samples,
	}, nil
}

// ObserveStage records one stage duration
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.StageDurations == nil {
		return
	}
	m.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePlan counts a finished run; gauges move only on success
func (m *Metrics) ObservePlan(outcome string, aps, samples int) {
	if m == nil {
		return
	}
	if m.Plans != nil {
		m.Plans.WithLabelValues(outcome).Inc()
	}
	if outcome != "ok" {
		return
	}
	if m.LastAPs != nil {
		m.LastAPs.Set(float64(aps))
	}
	if m.LastSamples != nil {
		m.LastSamples.Set(float64(samples))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Instrument counts requests served by h under the given handler label
func (m *Metrics) Instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	if m == nil || m.HTTPRequests == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		m.HTTPRequests.WithLabelValues(name, strconv.Itoa(sw.code)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
