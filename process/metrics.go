package process

import "github.com/prometheus/client_golang/prometheus"

// driverMetrics holds metrics related to driving a protocol.
type driverMetrics struct {
	submitted  prometheus.Counter
	messages   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	timeouts   prometheus.Counter
	commits    prometheus.Counter
	duplicates prometheus.Counter
	executed   prometheus.Counter
	waiting    prometheus.Gauge
}

func newDriverMetrics(labels prometheus.Labels) *driverMetrics {
	const (
		namespace = "consensus"
		subsystem = "driver"
	)

	return &driverMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "submitted_total",
			Help:        "Number of commands submitted by clients",
			ConstLabels: labels,
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "messages_total",
			Help:        "Number of protocol messages handled",
			ConstLabels: labels,
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "dropped_total",
			Help:        "Number of messages and timeouts the protocol rejected",
			ConstLabels: labels,
		}, []string{"reason"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "timeouts_total",
			Help:        "Number of protocol timers fired",
			ConstLabels: labels,
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commits_total",
			Help:        "Number of commits forwarded to the executor",
			ConstLabels: labels,
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "duplicate_commits_total",
			Help:        "Number of repeated commits of an instance that were not forwarded",
			ConstLabels: labels,
		}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "executed_total",
			Help:        "Number of executions reported back by the executor",
			ConstLabels: labels,
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "waiting_clients",
			Help:        "Number of submitted commands whose result is not known yet",
			ConstLabels: labels,
		}),
	}
}

// PrometheusCollectors implements prom.PrometheusCollector.
func (m *driverMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.submitted,
		m.messages,
		m.dropped,
		m.timeouts,
		m.commits,
		m.duplicates,
		m.executed,
		m.waiting,
	}
}
