package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshp123/gohome-vacuum/internal/core"
)

// HealthHandler answers liveness checks. It reports 503 when any plugin is in
// the error state.
func HealthHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		for _, p := range plugins {
			if p.Health() == core.HealthError {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(p.ID() + ": " + p.HealthMessage()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// MetricsHandler exposes registry, OpenMetrics included, and counts its own
// scrapes in the same registry.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:          registry,
		EnableOpenMetrics: true,
	}))
}

type dashboard struct {
	body []byte
	etag string
}

// DashboardsHandler serves Grafana dashboard JSON keyed by request path. The
// bare prefix lists the available paths. Responses carry an ETag so Grafana
// provisioning can poll cheaply.
func DashboardsHandler(prefix string, dashboards map[string][]byte) http.Handler {
	served := make(map[string]dashboard, len(dashboards))
	paths := make([]string, 0, len(dashboards))
	for path, body := range dashboards {
		sum := sha256.Sum256(body)
		served[path] = dashboard{body: body, etag: `"` + hex.EncodeToString(sum[:8]) + `"`}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	index, _ := json.Marshal(map[string][]string{"dashboards": paths})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == prefix {
			_, _ = w.Write(index)
			return
		}
		dash, ok := served[r.URL.Path]
		if !ok {
			w.Header().Del("Content-Type")
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", dash.etag)
		if r.Header.Get("If-None-Match") == dash.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write(dash.body)
	})
}
