package command

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enqueued *prometheus.CounterVec
	finished *prometheus.CounterVec
	depth    prometheus.Gauge
	running  prometheus.Gauge
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semforge_commands_enqueued_total",
			Help: "Commands accepted by the dispatcher",
		}, []string{"operation"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semforge_commands_finished_total",
			Help: "Commands that reached a terminal status",
		}, []string{"operation", "status"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semforge_command_queue_depth",
			Help: "Commands waiting for a worker",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semforge_commands_running",
			Help: "Commands currently executing",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semforge_command_duration_seconds",
			Help:    "Handler wall time from start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"operation"}),
	}

	m.enqueued = register(reg, m.enqueued)
	m.finished = register(reg, m.finished)
	m.depth = register(reg, m.depth)
	m.running = register(reg, m.running)
	m.duration = register(reg, m.duration)
	return m
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so several dispatchers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
