package router

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-vacuum/internal/core"
	"github.com/joshp123/gohome-vacuum/internal/server"
)

// RegisterPlugins registers plugin services and core services on the gRPC server.
func RegisterPlugins(s grpc.ServiceRegistrar, plugins []core.Plugin) error {
	if err := core.NewRegistryService(plugins).Register(s); err != nil {
		return fmt.Errorf("register registry: %w", err)
	}

	for _, p := range plugins {
		if err := p.RegisterGRPC(s); err != nil {
			return fmt.Errorf("register %s: %w", p.ID(), err)
		}
	}
	return nil
}

// HTTPMux wires health, metrics, dashboards and plugin HTTP handlers.
func HTTPMux(plugins []core.Plugin, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler(plugins))
	mux.Handle("/metrics", server.MetricsHandler(registry))
	mux.Handle("/dashboards/", server.DashboardsHandler("/dashboards/", core.DashboardsMap(plugins)))

	for _, p := range plugins {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(mux)
		}
	}
	return mux
}
