package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	dashboards    []Dashboard
	agents        string
	health        HealthStatus
	healthMessage string
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) AgentsMD() string { return s.agents }

func (s stubPlugin) Dashboards() []Dashboard { return s.dashboards }

func (s stubPlugin) RegisterGRPC(grpc.ServiceRegistrar) error { return nil }

func (s stubPlugin) Collectors() []prometheus.Collector { return nil }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:         id,
		name:       "Demo",
		version:    "0.1.0",
		services:   []string{"gohome.plugins.demo.v1.DemoService"},
		agents:     "demo agents",
		health:     HealthHealthy,
		dashboards: []Dashboard{{Name: "demo", JSON: []byte("{}")}},
	}
}

func TestRegistryListPlugins(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	plugins := svc.ListPlugins(context.Background())
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}

	got := plugins[0]
	if got.PluginID != "demo" || got.DisplayName != "Demo" || got.Version != "0.1.0" {
		t.Fatalf("unexpected plugin summary: %+v", got)
	}
	if got.Status != string(HealthHealthy) {
		t.Fatalf("unexpected health status: %s", got.Status)
	}
}

func TestRegistryDescribePlugin(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	desc, ok := svc.DescribePlugin(context.Background(), "demo")
	if !ok {
		t.Fatalf("expected plugin descriptor")
	}
	if desc.PluginID != "demo" {
		t.Fatalf("unexpected plugin id: %s", desc.PluginID)
	}
	if len(desc.Dashboards) != 1 {
		t.Fatalf("expected 1 dashboard, got %d", len(desc.Dashboards))
	}
	if desc.Dashboards[0].Path != "/dashboards/demo/demo.json" {
		t.Fatalf("unexpected dashboard path: %s", desc.Dashboards[0].Path)
	}

	if _, ok := svc.DescribePlugin(context.Background(), "missing"); ok {
		t.Fatalf("expected missing plugin to be reported")
	}
}

func TestRegistryDescribePluginRPC(t *testing.T) {
	svc := NewRegistryService([]Plugin{newStubPlugin("demo")})

	if _, err := svc.describePluginRPC(context.Background(), &structpb.Struct{}); err == nil {
		t.Fatalf("expected error for missing plugin_id")
	}

	req, _ := structpb.NewStruct(map[string]any{"plugin_id": "demo"})
	resp, err := svc.describePluginRPC(context.Background(), req)
	if err != nil {
		t.Fatalf("DescribePlugin error: %v", err)
	}
	plugin, ok := resp.AsMap()["plugin"].(map[string]any)
	if !ok || plugin["agents_md"] != "demo agents" {
		t.Fatalf("unexpected descriptor: %v", resp.AsMap())
	}
}

func TestFilterPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo"), newStubPlugin("extra")}

	active := FilterPlugins(compiled, map[string]bool{"demo": true}, false)
	if len(active) != 1 || active[0].ID() != "demo" {
		t.Fatalf("unexpected active plugins: %v", active)
	}

	active = FilterPlugins(compiled, map[string]bool{}, true)
	if len(active) != 2 {
		t.Fatalf("expected all plugins, got %d", len(active))
	}
}

func TestValidateEnabledPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo")}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"demo": true}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"missing": true}, false); err == nil {
		t.Fatalf("expected error for missing plugin")
	}
}

func TestValidatePlugins(t *testing.T) {
	if err := ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if err := ValidatePlugins([]Plugin{newStubPlugin("Bad-ID")}); err == nil {
		t.Fatalf("expected pattern error")
	}
	if err := ValidatePlugins([]Plugin{newStubPlugin("roborock")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDashboardsMap(t *testing.T) {
	m := DashboardsMap([]Plugin{newStubPlugin("demo")})
	if string(m["/dashboards/demo/demo.json"]) != "{}" {
		t.Fatalf("unexpected dashboards: %v", m)
	}
}

func TestWriteDashboardsSkipsUnchangedAndInvalid(t *testing.T) {
	dir := t.TempDir()
	good := newStubPlugin("demo")
	if err := WriteDashboards(dir, []Plugin{good}); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(dir, "demo", "demo.json")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	bad := newStubPlugin("broken")
	bad.dashboards = []Dashboard{{Name: "broken", JSON: []byte("{")}}
	err := WriteDashboards(dir, []Plugin{good, bad})
	if err == nil || !strings.Contains(err.Error(), "broken/broken is not valid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Fatalf("unchanged dashboard was rewritten")
	}
	if _, err := os.Stat(filepath.Join(dir, "broken", "broken.json")); !os.IsNotExist(err) {
		t.Fatalf("invalid dashboard was written: %v", err)
	}
}
