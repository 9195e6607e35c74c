package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsRegistry builds a registry from plugin collectors plus the Go runtime
// and process collectors.
func MetricsRegistry(plugins []Plugin) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, plugin := range plugins {
		for _, collector := range plugin.Collectors() {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
	}

	return registry, nil
}
