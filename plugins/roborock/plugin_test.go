package roborock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/blob"
	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
)

func testConfig(bootstrapFile string) *config.Config {
	return &config.Config{
		Roborock: config.RoborockConfig{
			Enabled:             true,
			BootstrapFile:       bootstrapFile,
			PollIntervalSeconds: 30,
			PollTimeoutSeconds:  10,
		},
	}
}

func TestNewPluginDisabled(t *testing.T) {
	_, ok := NewPlugin(&config.Config{}, nil)
	assert.False(t, ok)
	_, ok = NewPlugin(nil, nil)
	assert.False(t, ok)
}

func TestNewPluginWithoutBootstrap(t *testing.T) {
	p, ok := NewPlugin(testConfig(filepath.Join(t.TempDir(), "roborock.json")), nil)
	require.True(t, ok)
	assert.Equal(t, core.HealthError, p.Health())
	assert.Contains(t, p.HealthMessage(), "bootstrap")
	assert.Nil(t, p.Collectors())
	assert.NoError(t, p.Run(context.Background()))
}

func TestNewPluginWithBootstrap(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	require.NoError(SaveBootstrap(context.Background(), blob.NewFileStore(dir), "roborock", testBootstrap()))

	p, ok := NewPlugin(testConfig(filepath.Join(dir, "roborock.json")), nil)
	require.True(ok)
	require.Equal(core.HealthHealthy, p.Health())
	require.Equal("roborock", p.ID())
	require.Equal([]string{ServiceName}, p.Manifest().Services)
	require.NotEmpty(p.AgentsMD())
	require.Len(p.Dashboards(), 1)
	require.NotEmpty(p.Collectors())
}

type fakeHome struct {
	mu        sync.Mutex
	devices   []Device
	failOnce  error
	refreshes int
	closed    bool
}

func (h *fakeHome) Devices(context.Context) ([]Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failOnce; err != nil {
		h.failOnce = nil
		return nil, err
	}
	return append([]Device(nil), h.devices...), nil
}

func (h *fakeHome) RefreshHomeData(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	return nil
}

func (h *fakeHome) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHome) setDevices(devices ...Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = devices
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func statusRequester() *fakeRequester {
	return &fakeRequester{results: map[string]any{
		"get_status": map[string]any{"state": 8, "battery": 100, "fan_power": 102},
	}}
}

func runnablePlugin(home *fakeHome, requester *fakeRequester) *Plugin {
	return &Plugin{
		cfg:         Config{PollInterval: 10 * time.Millisecond, PollTimeout: time.Second},
		home:        home,
		fleet:       NewFleet(requester, Tables(), nil),
		logger:      zap.NewNop(),
		resyncEvery: 10 * time.Millisecond,
		health:      core.HealthHealthy,
	}
}

func TestRunDiscoversPollsAndPicksUpNewDevices(t *testing.T) {
	home := &fakeHome{failOnce: errors.New("home data unavailable"), devices: []Device{{ID: "duid-a", Name: "Downstairs"}}}
	requester := statusRequester()
	p := runnablePlugin(home, requester)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.fleet.Len() == 1 && p.Health() == core.HealthHealthy
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return requester.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	home.setDevices(Device{ID: "duid-a", Name: "Downstairs"}, Device{ID: "duid-b", Name: "Upstairs"})
	require.Eventually(t, func() bool { return p.fleet.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	_, ok := p.fleet.Lookup("Upstairs")
	assert.True(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	home.mu.Lock()
	defer home.mu.Unlock()
	assert.True(t, home.closed)
	assert.Positive(t, home.refreshes)
}

func TestRunReportsEmptyHomeUntilCancelled(t *testing.T) {
	home := &fakeHome{}
	p := runnablePlugin(home, statusRequester())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Health() == core.HealthDegraded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "no vacuums in home data", p.HealthMessage())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
