package core

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-vacuum/internal/rpc"
)

const RegistryServiceName = "gohome.registry.v1.Registry"

// PluginSummary is one entry of ListPlugins.
type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

type DashboardRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginDescriptor is the DescribePlugin payload.
type PluginDescriptor struct {
	PluginID      string         `json:"plugin_id"`
	DisplayName   string         `json:"display_name"`
	Version       string         `json:"version"`
	Services      []string       `json:"services"`
	AgentsMD      string         `json:"agents_md"`
	Status        string         `json:"status"`
	HealthMessage string         `json:"health_message,omitempty"`
	Dashboards    []DashboardRef `json:"dashboards"`
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

// Register exposes the registry on a gRPC server.
func (r *RegistryService) Register(server grpc.ServiceRegistrar) error {
	return rpc.Register(server, RegistryServiceName,
		rpc.Method{Name: "ListPlugins", Handler: r.listPluginsRPC},
		rpc.Method{Name: "DescribePlugin", Handler: r.describePluginRPC},
	)
}

func (r *RegistryService) ListPlugins(ctx context.Context) []PluginSummary {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginSummary, 0, len(r.plugins))
	for _, p := range r.plugins {
		manifest := p.Manifest()
		out = append(out, PluginSummary{
			PluginID:    manifest.PluginID,
			DisplayName: manifest.DisplayName,
			Version:     manifest.Version,
			Status:      string(p.Health()),
		})
	}
	return out
}

func (r *RegistryService) DescribePlugin(ctx context.Context, pluginID string) (PluginDescriptor, bool) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != pluginID {
			continue
		}

		descriptor := PluginDescriptor{
			PluginID:      manifest.PluginID,
			DisplayName:   manifest.DisplayName,
			Version:       manifest.Version,
			Services:      manifest.Services,
			AgentsMD:      p.AgentsMD(),
			Status:        string(p.Health()),
			HealthMessage: p.HealthMessage(),
		}
		for _, d := range p.Dashboards() {
			descriptor.Dashboards = append(descriptor.Dashboards, DashboardRef{
				Name: d.Name,
				Path: dashboardPath(manifest.PluginID, d.Name),
			})
		}
		return descriptor, true
	}

	return PluginDescriptor{}, false
}

func (r *RegistryService) listPluginsRPC(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return rpc.ToStruct(map[string]any{"plugins": r.ListPlugins(ctx)})
}

func (r *RegistryService) describePluginRPC(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := rpc.String(req, "plugin_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "plugin_id is required")
	}
	descriptor, ok := r.DescribePlugin(ctx, id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "plugin %q not found", id)
	}
	return rpc.ToStruct(map[string]any{"plugin": descriptor})
}

func dashboardPath(pluginID, name string) string {
	return "/dashboards/" + pluginID + "/" + name + ".json"
}
