package fleet

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "rc_fleet"

type metrics struct {
	containersRunning prometheus.Gauge
	portsAllocated    prometheus.Gauge
	remoteCommands    *prometheus.CounterVec
	createSeconds     prometheus.Histogram
}

// newMetrics builds the collectors for one backend instance. The backend
// name is a constant label so several fleets can share a registry.
func newMetrics(provider string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"provider": provider}
	m := &metrics{
		containersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricsSubsystem + "_containers_running",
			Help:        "Containers currently registered as running.",
			ConstLabels: labels,
		}),
		portsAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricsSubsystem + "_ports_allocated",
			Help:        "Host ports currently allocated to containers.",
			ConstLabels: labels,
		}),
		remoteCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        metricsSubsystem + "_remote_commands_total",
			Help:        "Remote commands issued, by result (ok, nonzero, error).",
			ConstLabels: labels,
		}, []string{"result"}),
		createSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        metricsSubsystem + "_container_create_seconds",
			Help:        "Time to create a container, including clone.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.containersRunning, err = register(reg, m.containersRunning); err != nil {
		return nil, err
	}
	if m.portsAllocated, err = register(reg, m.portsAllocated); err != nil {
		return nil, err
	}
	if m.remoteCommands, err = register(reg, m.remoteCommands); err != nil {
		return nil, err
	}
	if m.createSeconds, err = register(reg, m.createSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// register adopts an identical collector registered earlier, which happens
// when a backend is re-created against the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}
