package roborock

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/joshp123/gohome-vacuum/internal/core"
)

const mapEndpoint = "/roborock/map"

var _ core.HTTPRegistrant = (*Plugin)(nil)

func (p *Plugin) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc(mapEndpoint, p.serveMap)
}

// serveMap returns the device's map token as it was sent. Nothing is cached.
func (p *Plugin) serveMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.fleet == nil {
		http.Error(w, "roborock unavailable", http.StatusServiceUnavailable)
		return
	}
	ref := r.URL.Query().Get("device_id")
	if ref == "" {
		ref = r.URL.Query().Get("device_name")
	}
	if ref == "" {
		http.Error(w, "device_id or device_name is required", http.StatusBadRequest)
		return
	}
	entity, ok := p.fleet.Lookup(ref)
	if !ok {
		http.Error(w, "vacuum not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	token, err := entity.Map(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_id": entity.Device().DUID,
		"map":       token,
	})
}
