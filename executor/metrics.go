package executor

import "github.com/prometheus/client_golang/prometheus"

// executorMetrics holds metrics related to dependency graph execution.
type executorMetrics struct {
	commits   prometheus.Counter
	executed  prometheus.Counter
	pending   prometheus.Gauge
	gaps      prometheus.Gauge
	gapAge    prometheus.Gauge
	sccSize   prometheus.Histogram
	applyErrs prometheus.Counter
}

func newExecutorMetrics(labels prometheus.Labels) *executorMetrics {
	const (
		namespace = "consensus"
		subsystem = "executor"
	)

	return &executorMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commits_total",
			Help:        "Number of committed instances received",
			ConstLabels: labels,
		}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "executed_total",
			Help:        "Number of commands applied to the store",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "pending",
			Help:        "Number of committed instances waiting to execute",
			ConstLabels: labels,
		}),
		gaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gaps",
			Help:        "Number of uncommitted instances that committed instances depend on",
			ConstLabels: labels,
		}),
		gapAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "oldest_gap_age_seconds",
			Help:        "Age of the oldest unresolved dependency",
			ConstLabels: labels,
		}),
		sccSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "scc_size",
			Help:        "Histogram of the number of instances executed together",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 6),
			ConstLabels: labels,
		}),
		applyErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "apply_errors_total",
			Help:        "Number of commands the store refused to apply",
			ConstLabels: labels,
		}),
	}
}

// PrometheusCollectors implements prom.PrometheusCollector.
func (m *executorMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commits,
		m.executed,
		m.pending,
		m.gaps,
		m.gapAge,
		m.sccSize,
		m.applyErrs,
	}
}
