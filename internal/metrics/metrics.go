// Package metrics exposes engine measurements to Prometheus and forwards
// them to InfluxDB when it is enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

const namespace = "graytrigger"

// InfluxWriter is the subset of the InfluxDB client the recorder uses.
type InfluxWriter interface {
	WriteEvaluation(e influxdb.Evaluation)
	WriteFiring(f influxdb.Firing)
	WriteDynamicRun(ruleID, status string, elapsed time.Duration)
}

// Recorder implements trigger.Telemetry on a private Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry
	influx   InfluxWriter

	evaluations *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	actions     *prometheus.CounterVec
	dynamic     *prometheus.CounterVec
	dynamicTime prometheus.Histogram
}

// New creates a recorder. influx may be nil.
func New(influx InfluxWriter) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		influx:   influx,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Rule evaluations by rule kind and whether the rule fired.",
		}, []string{"kind", "fired"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_results_total",
			Help:      "Individual condition verdicts by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of an evaluation cycle, per rule.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions by outcome.",
		}, []string{"outcome"}),
		dynamic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dynamic_runs_total",
			Help:      "Finished dynamic actions by status.",
		}, []string{"status"}),
		dynamicTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dynamic_run_duration_seconds",
			Help:      "Wall time of dynamic actions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
	}

	r.registry.MustRegister(
		r.evaluations, r.verdicts, r.duration, r.actions, r.dynamic, r.dynamicTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the recorder's Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (r *Recorder) Gauge(name, help string, fn func() float64) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// EvaluationFinished implements trigger.Telemetry.
func (r *Recorder) EvaluationFinished(rule *trigger.Rule, results []trigger.ConditionResult, fired bool, elapsed time.Duration) {
	kind := rule.Kind().String()
	r.evaluations.WithLabelValues(kind, boolLabel(fired)).Inc()
	r.duration.WithLabelValues(kind).Observe(elapsed.Seconds())

	positive := 0
	for _, res := range results {
		r.verdicts.WithLabelValues(boolLabel(res.Result)).Inc()
		if res.Result {
			positive++
		}
	}

	if r.influx != nil {
		modality := "text"
		if kind == trigger.KindCamera.String() {
			modality = "vision"
		}
		r.influx.WriteEvaluation(influxdb.Evaluation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Modality: modality,
			Fired:    fired,
			Results:  len(results),
			Positive: positive,
			Duration: elapsed,
		})
	}
}

// ActionsDispatched implements trigger.Telemetry.
func (r *Recorder) ActionsDispatched(rule *trigger.Rule, res *trigger.ExecuteResult) {
	failed := res.Failed()
	r.actions.WithLabelValues("success").Add(float64(res.Total() - failed))
	r.actions.WithLabelValues("failure").Add(float64(failed))

	if r.influx != nil {
		r.influx.WriteFiring(influxdb.Firing{
			RuleID:      rule.ID,
			ExecuteType: string(res.Type),
			Actions:     res.Total(),
			Failed:      failed,
			Notified:    res.Notify != nil && res.Notify.Success,
		})
	}
}

// DynamicFinished implements trigger.Telemetry.
func (r *Recorder) DynamicFinished(rule *trigger.Rule, status trigger.LogStatus, elapsed time.Duration) {
	r.dynamic.WithLabelValues(string(status)).Inc()
	r.dynamicTime.Observe(elapsed.Seconds())
	if r.influx != nil {
		r.influx.WriteDynamicRun(rule.ID, string(status), elapsed)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
