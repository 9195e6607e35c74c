package roborock

import (
	"context"
	_ "embed"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-vacuum/internal/blob"
	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
	"github.com/joshp123/gohome-vacuum/internal/hass"
	"github.com/joshp123/gohome-vacuum/internal/logging"
	"github.com/joshp123/gohome-vacuum/internal/poller"
	"github.com/joshp123/gohome-vacuum/internal/rate"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const (
	bootstrapLoadTimeout = 10 * time.Second
	homeResyncEvery      = 30 * time.Minute
)

var (
	_ core.Plugin = (*Plugin)(nil)
	_ core.Runner = (*Plugin)(nil)
)

// homeSource is what the plugin needs from *Client to discover devices.
type homeSource interface {
	deviceLister
	RefreshHomeData(ctx context.Context) error
	Close()
}

// Plugin implements the GoHome plugin contract for Roborock vacuums.
type Plugin struct {
	cfg         Config
	home        homeSource
	fleet       *Fleet
	bridge      *hass.Bridge
	logger      *zap.Logger
	resyncEvery time.Duration

	mu            sync.RWMutex
	health        core.HealthStatus
	healthMessage string
}

// NewPlugin constructs the plugin when roborock is enabled. Setup failures
// yield a plugin in HealthError rather than an error so the daemon still
// starts.
func NewPlugin(cfg *config.Config, logger *zap.Logger) (*Plugin, bool) {
	if cfg == nil || !cfg.Roborock.Enabled {
		return nil, false
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logging.Component(logger, "roborock")

	runtimeCfg, dir, err := ConfigFromSettings(cfg.Roborock)
	if err != nil {
		return failed(logger, err), true
	}
	store, err := blob.New(cfg.Blob, dir)
	if err != nil {
		return failed(logger, err), true
	}
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapLoadTimeout)
	defer cancel()
	bootstrap, err := LoadBootstrap(ctx, store, runtimeCfg.BootstrapKey)
	if err != nil {
		return failed(logger, err), true
	}
	client, err := NewClient(runtimeCfg, bootstrap, logger)
	if err != nil {
		return failed(logger, err), true
	}

	p := &Plugin{
		cfg:         runtimeCfg,
		home:        client,
		fleet:       NewFleet(client, Tables(), logger),
		logger:      logger,
		resyncEvery: homeResyncEvery,
		health:      core.HealthHealthy,
	}
	if cfg.MQTT.Enabled {
		p.bridge = hass.NewBridge(cfg.MQTT, logging.Component(logger, "hass"))
	}
	return p, true
}

func failed(logger *zap.Logger, err error) *Plugin {
	logger.Error("roborock plugin unavailable", zap.Error(err))
	return &Plugin{logger: logger, health: core.HealthError, healthMessage: err.Error()}
}

func (p *Plugin) ID() string {
	return "roborock"
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    "roborock",
		DisplayName: "Roborock",
		Version:     "0.2.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "roborock-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server grpc.ServiceRegistrar) error {
	return RegisterVacuumService(server, p.fleet)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	if p.fleet == nil {
		return nil
	}
	collectors := append(poller.MetricsCollectors(), rate.MetricsCollectors()...)
	return append(collectors, NewMetricsCollector(p.fleet))
}

func (p *Plugin) Health() core.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Plugin) HealthMessage() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthMessage
}

func (p *Plugin) setHealth(health core.HealthStatus, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = health
	p.healthMessage = message
}

// Run discovers vacuums, then polls them until ctx is done. Home data is
// reloaded every resyncEvery so devices added to the account later are
// picked up. The Home Assistant bridge runs alongside when MQTT is enabled.
func (p *Plugin) Run(ctx context.Context) error {
	if p.home == nil {
		return nil
	}
	defer p.home.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	if p.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.bridge.Run(ctx); err != nil {
				p.logger.Error("home assistant bridge stopped", zap.Error(err))
			}
		}()
	}

	if !p.discover(ctx) {
		return nil
	}
	if p.resyncEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.resync(ctx)
		}()
	}
	poll := poller.New(p.cfg.PollInterval, p.cfg.PollTimeout, p.fleet.Targets,
		poller.OnRefresh(p.publish),
		poller.WithLogger(logging.Component(p.logger, "poller")))
	return poll.Run(ctx)
}

// discover retries home data until it yields devices or ctx is done.
func (p *Plugin) discover(ctx context.Context) bool {
	for {
		err := p.sync(ctx)
		switch {
		case err != nil:
			p.logger.Warn("discover vacuums", zap.Error(err))
			p.setHealth(core.HealthDegraded, "discover vacuums: "+err.Error())
		case p.fleet.Len() == 0:
			p.setHealth(core.HealthDegraded, "no vacuums in home data")
		default:
			p.setHealth(core.HealthHealthy, "")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// resync reloads home data on a ticker. A failed reload keeps the known
// fleet and leaves health alone.
func (p *Plugin) resync(ctx context.Context) {
	ticker := time.NewTicker(p.resyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.home.RefreshHomeData(ctx); err != nil {
				p.logger.Warn("reload home data", zap.Error(err))
				continue
			}
			if err := p.sync(ctx); err != nil {
				p.logger.Warn("resync vacuums", zap.Error(err))
			}
		}
	}
}

// sync adds entities for devices not yet in the fleet and hands them to the
// bridge.
func (p *Plugin) sync(ctx context.Context) error {
	added, err := p.fleet.Sync(ctx, p.home)
	if err != nil {
		return err
	}
	for _, e := range added {
		p.logger.Info("vacuum discovered", zap.String("name", e.Name()), zap.String("unique_id", e.UniqueID()))
		if p.bridge != nil {
			p.bridge.Add(e)
		}
	}
	return nil
}

func (p *Plugin) publish(target poller.Target, ok bool) {
	if !ok || p.bridge == nil {
		return
	}
	if v, isVacuum := target.(hass.Vacuum); isVacuum {
		p.bridge.PublishState(v)
	}
}
