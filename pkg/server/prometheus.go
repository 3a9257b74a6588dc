package server

import (
	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/sender"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runMetrics describes the scheduler itself, next to the check samples
// served by the exporter.
type runMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	up       *prometheus.GaugeVec
}

func newRunMetrics(reg prometheus.Registerer, exporter *sender.Exporter) (*runMetrics, error) {
	labels := []string{sender.InstanceLabel, "type"}
	m := &runMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskwatch",
			Name:      "check_runs_total",
			Help:      "Check runs by outcome.",
		}, append(labels, "outcome")),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskwatch",
			Name:      "check_duration_seconds",
			Help:      "Wall time of check runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, labels),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskwatch",
			Name:      "check_up",
			Help:      "Whether the last run of the check succeeded (1=up, 0=down).",
		}, labels),
	}

	for _, c := range []prometheus.Collector{
		m.runs,
		m.duration,
		m.up,
		exporter,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *runMetrics) observe(inst *instance, result check.Result) {
	outcome, up := "success", 1.0
	if !result.Success {
		outcome, up = "failure", 0
	}
	m.runs.WithLabelValues(inst.name, inst.typ, outcome).Inc()
	m.duration.WithLabelValues(inst.name, inst.typ).Observe(result.Duration.Seconds())
	m.up.WithLabelValues(inst.name, inst.typ).Set(up)
}
