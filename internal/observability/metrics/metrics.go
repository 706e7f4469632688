// Package metrics exposes AgentPay run, stage, policy and HTTP metrics in the
// Prometheus text format.
//
// Metrics:
//   - agentpay_runs_total{status} - finished runs by terminal status
//   - agentpay_run_failures_total{code} - failed runs by error code
//   - agentpay_run_attempts - pipeline attempts per finished run
//   - agentpay_stage_duration_seconds{stage,result} - stage latency
//   - agentpay_compliance_outcomes_total{status} - compliance verdicts
//   - agentpay_budget_rejections_total{kind} - violated budget dimensions
//   - agentpay_http_requests_total{handler,method,code} - API requests
//   - agentpay_http_request_duration_seconds{handler,method} - API latency
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/workflow"
)

// Recorder holds the collectors on a private registry so tests and multiple
// servers in one process never collide on registration.
type Recorder struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	runFailures      *prometheus.CounterVec
	runAttempts      prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	complianceTotal  *prometheus.CounterVec
	budgetRejections *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// New creates a Recorder. Process and Go runtime collectors are included
// when withRuntime is true.
func New(withRuntime bool) *Recorder {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_runs_total",
			Help: "Total number of finished workflow runs by status.",
		}, []string{"status"}),
		runFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_run_failures_total",
			Help: "Total number of failed workflow runs by error code.",
		}, []string{"code"}),
		runAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_run_attempts",
			Help:    "Pipeline attempts used by finished runs.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage", "result"}),
		complianceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_compliance_outcomes_total",
			Help: "Total number of compliance verdicts by status.",
		}, []string{"status"}),
		budgetRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_budget_rejections_total",
			Help: "Total number of budget violations by dimension.",
		}, []string{"kind"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(status workflow.RunStatus, attempts int, code xerrors.Code) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(string(status)).Inc()
	if attempts > 0 {
		r.runAttempts.Observe(float64(attempts))
	}
	if status == workflow.RunFailed {
		r.runFailures.WithLabelValues(string(code)).Inc()
	}
}

// ObserveStage records one stage execution.
func (r *Recorder) ObserveStage(stage workflow.Stage, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.stageDuration.WithLabelValues(string(stage), result).Observe(elapsed.Seconds())
}

// ObserveCompliance records a compliance verdict.
func (r *Recorder) ObserveCompliance(status workflow.ComplianceStatus) {
	if r == nil {
		return
	}
	r.complianceTotal.WithLabelValues(string(status)).Inc()
}

// ObserveBudgetRejection records one violated budget dimension.
func (r *Recorder) ObserveBudgetRejection(kind workflow.ViolationKind) {
	if r == nil {
		return
	}
	r.budgetRejections.WithLabelValues(string(kind)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
