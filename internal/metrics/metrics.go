// Package metrics exposes recovery and device counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Recorder receives the service's operational events
type Recorder interface {
	RecordTick(result string)
	RecordAdmission(count int)
	RecordDispatch()
	SetInFlight(n int)
	RecordOutcome(status, reason string)
	RecordStep(step string, d time.Duration)
	RecordDeviceCall(endpoint, result string)
	RecordTokenRefresh(result string)
}

// PrometheusRecorder implements Recorder on a private registry
type PrometheusRecorder struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	admissions   prometheus.Counter
	dispatches   prometheus.Counter
	inFlight     prometheus.Gauge
	outcomes     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	deviceCalls  *prometheus.CounterVec
	tokenRefresh *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with Go runtime and process
// collectors registered
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_ticks_total",
			Help: "Dispatcher ticks by result.",
		}, []string{"result"}),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_admissions_total",
			Help: "Recovery jobs created by automatic admission.",
		}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_dispatch_total",
			Help: "Recovery attempts started.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recovery_jobs_in_flight",
			Help: "Recovery attempts currently executing.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_outcomes_total",
			Help: "Recovery attempt outcomes by status and failure reason.",
		}, []string{"status", "reason"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recovery_step_duration_seconds",
			Help:    "Duration of recovery attempt steps.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		deviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_api_calls_total",
			Help: "Calls to the device vendor API by endpoint and result.",
		}, []string{"endpoint", "result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_token_refresh_total",
			Help: "Device API token refreshes by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		r.ticks,
		r.admissions,
		r.dispatches,
		r.inFlight,
		r.outcomes,
		r.stepDuration,
		r.deviceCalls,
		r.tokenRefresh,
	)

	return r
}

// Registry returns the underlying registry
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) RecordTick(result string) {
	r.ticks.WithLabelValues(result).Inc()
}

func (r *PrometheusRecorder) RecordAdmission(count int) {
	if count > 0 {
		r.admissions.Add(float64(count))
	}
}

func (r *PrometheusRecorder) RecordDispatch() {
	r.dispatches.Inc()
}

func (r *PrometheusRecorder) SetInFlight(n int) {
	r.inFlight.Set(float64(n))
}

func (r *PrometheusRecorder) RecordOutcome(status, reason string) {
	r.outcomes.WithLabelValues(status, reason).Inc()
}

func (r *PrometheusRecorder) RecordStep(step string, d time.Duration) {
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (r *PrometheusRecorder) RecordDeviceCall(endpoint, result string) {
	r.deviceCalls.WithLabelValues(endpoint, result).Inc()
}

func (r *PrometheusRecorder) RecordTokenRefresh(result string) {
	r.tokenRefresh.WithLabelValues(result).Inc()
}

// NoopRecorder discards everything
type NoopRecorder struct{}

func (NoopRecorder) RecordTick(string) {}
func (NoopRecorder) RecordAdmission(int) {}
func (NoopRecorder) RecordDispatch() {}
func (NoopRecorder) SetInFlight(int) {}
func (NoopRecorder) RecordOutcome(string, string) {}
func (NoopRecorder) RecordStep(string, time.Duration) {}
func (NoopRecorder) RecordDeviceCall(string, string) {}
func (NoopRecorder) RecordTokenRefresh(string) {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = NoopRecorder{}
)

// OrNoop returns r, or a NoopRecorder when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
