package vacuum

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	deviceID string
	command  string
	params   any
	wait     bool
}

type fakeClient struct {
	results map[string]any
	err     error
	sent    []sentRequest
}

func (f *fakeClient) SendRequest(_ context.Context, deviceID, command string, params any, wait bool) (any, error) {
	f.sent = append(f.sent, sentRequest{deviceID: deviceID, command: command, params: params, wait: wait})
	if f.err != nil {
		return nil, f.err
	}
	return f.results[command], nil
}

func (f *fakeClient) last() sentRequest {
	return f.sent[len(f.sent)-1]
}

func testTables() *Tables {
	return &Tables{
		States:    map[int]string{3: "idle", 5: "cleaning", 8: "charging"},
		FanSpeeds: map[int]string{101: "Quiet", 102: "Balanced", 103: "Turbo", 104: "Max"},
	}
}

func newTestEntity(client *fakeClient) *Entity {
	return NewEntity(Device{Name: "Rocky", DUID: "abc123", Model: "roborock.vacuum.a15"}, client, testTables())
}

func TestUniqueID(t *testing.T) {
	assert := assert.New(t)

	e := newTestEntity(&fakeClient{})
	assert.Equal("vacuum.abc123", e.UniqueID())
	assert.Equal("vacuum.abc123", NewEntity(Device{DUID: "abc123", Name: "Other"}, &fakeClient{}, nil).UniqueID())
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{results: map[string]any{
		CommandGetStatus: map[string]any{"state": float64(5), "battery": float64(87), "fan_power": float64(103)},
	}}
	e := newTestEntity(client)

	require.True(e.Refresh(context.Background()))
	require.Equal(sentRequest{deviceID: "abc123", command: "get_status", wait: true}, client.last())

	status, ok := e.Status()
	require.True(ok)
	require.Equal("cleaning", status)
	battery, ok := e.BatteryLevel()
	require.True(ok)
	require.Equal(87, battery)
	fan, ok := e.FanSpeed()
	require.True(ok)
	require.Equal("Turbo", fan)
	require.False(e.UpdatedAt().IsZero())

	client.results[CommandGetStatus] = map[string]any{"state": float64(8)}
	require.True(e.Refresh(context.Background()))
	_, ok = e.BatteryLevel()
	require.False(ok, "snapshot is replaced, not merged")
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{results: map[string]any{
		CommandGetStatus: map[string]any{"state": float64(3), "battery": float64(50)},
	}}
	e := newTestEntity(client)
	require.True(e.Refresh(context.Background()))
	before := e.Snapshot()
	updated := e.UpdatedAt()

	for _, result := range []any{nil, "retry", []any{map[string]any{"state": float64(5)}}, float64(1)} {
		client.results[CommandGetStatus] = result
		require.False(e.Refresh(context.Background()))
		require.Equal(before, e.Snapshot())
	}

	client.err = errors.New("timeout")
	require.False(e.Refresh(context.Background()))
	require.Equal(before, e.Snapshot())
	require.Equal(updated, e.UpdatedAt())
}

func TestLookupsOnEmptyOrUnknownSnapshot(t *testing.T) {
	assert := assert.New(t)

	client := &fakeClient{results: map[string]any{}}
	e := newTestEntity(client)

	_, ok := e.Status()
	assert.False(ok)
	_, ok = e.BatteryLevel()
	assert.False(ok)
	_, ok = e.FanSpeed()
	assert.False(ok)

	client.results[CommandGetStatus] = map[string]any{"state": float64(4242), "fan_power": float64(999), "battery": "n/a"}
	assert.True(e.Refresh(context.Background()))
	_, ok = e.Status()
	assert.False(ok, "unknown state code")
	_, ok = e.FanSpeed()
	assert.False(ok, "unknown fan code")
	_, ok = e.BatteryLevel()
	assert.False(ok, "non-numeric battery")
}

func TestLookupsIgnoreStringsAndFractions(t *testing.T) {
	assert := assert.New(t)

	client := &fakeClient{results: map[string]any{
		CommandGetStatus: map[string]any{"state": "5", "fan_power": float64(103.5), "battery": float64(87.5)},
	}}
	e := newTestEntity(client)
	assert.True(e.Refresh(context.Background()))

	_, ok := e.Status()
	assert.False(ok, "numeric string is not a state code")
	_, ok = e.FanSpeed()
	assert.False(ok, "fractional fan code")
	_, ok = e.BatteryLevel()
	assert.False(ok, "fractional battery")

	client.results[CommandGetStatus] = map[string]any{"state": 8, "battery": int64(40)}
	assert.True(e.Refresh(context.Background()))
	label, ok := e.Status()
	assert.True(ok)
	assert.Equal("charging", label)
	battery, ok := e.BatteryLevel()
	assert.True(ok)
	assert.Equal(40, battery)
}

func TestFanSpeedList(t *testing.T) {
	assert := assert.New(t)

	e := newTestEntity(&fakeClient{})
	assert.Equal([]string{"Quiet", "Balanced", "Turbo", "Max"}, e.FanSpeedList())

	dup := NewEntity(Device{DUID: "x"}, &fakeClient{}, &Tables{FanSpeeds: map[int]string{1: "Low", 2: "Low", 3: "High"}})
	assert.Equal([]string{"Low", "High"}, dup.FanSpeedList())
}

func TestSetFanSpeed(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{}
	e := NewEntity(Device{DUID: "abc123"}, client, &Tables{FanSpeeds: map[int]string{101: "Quiet", 103: "Turbo", 110: "Turbo"}})

	require.NoError(e.SetFanSpeed(context.Background(), "Turbo"))
	require.Equal("set_custom_mode", client.last().command)
	require.Equal([]int{103, 110}, client.last().params)

	require.NoError(e.SetFanSpeed(context.Background(), "NoSuchLabel"))
	require.Equal("set_custom_mode", client.last().command)
	require.Equal([]int{}, client.last().params)
}

func TestCommandsForwardFixedKeywords(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		call    func(*Entity) error
		command string
	}{
		{"start", func(e *Entity) error { return e.Start(ctx) }, "app_start"},
		{"pause", func(e *Entity) error { return e.Pause(ctx) }, "app_stop"},
		{"stop", func(e *Entity) error { return e.Stop(ctx) }, "app_stop"},
		{"return_to_base", func(e *Entity) error { return e.ReturnToBase(ctx) }, "app_charge"},
		{"clean_spot", func(e *Entity) error { return e.CleanSpot(ctx) }, "app_spot"},
		{"locate", func(e *Entity) error { return e.Locate(ctx) }, "find_me"},
		{"start_pause", func(e *Entity) error { return e.StartPause(ctx) }, "app_pause"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{}
			e := newTestEntity(client)
			require.NoError(t, tc.call(e))
			require.Len(t, client.sent, 1)
			assert.Equal(t, sentRequest{deviceID: "abc123", command: tc.command, wait: true}, client.last())
		})
	}
}

func TestCommandErrorsAreReturnedWithoutStateChange(t *testing.T) {
	client := &fakeClient{err: errors.New("device error: busy")}
	e := newTestEntity(client)

	assert.EqualError(t, e.Start(context.Background()), "device error: busy")
	assert.Empty(t, e.Snapshot())
	assert.Len(t, client.sent, 1)
}

func TestMapIsNotCached(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{results: map[string]any{CommandGetMap: "https://maps.example/token-1"}}
	e := newTestEntity(client)

	token, err := e.Map(context.Background())
	require.NoError(err)
	require.Equal("https://maps.example/token-1", token)

	client.results[CommandGetMap] = []any{"retry"}
	token, err = e.Map(context.Background())
	require.NoError(err)
	require.Equal([]any{"retry"}, token)
	require.Len(client.sent, 2)
}

func TestSendCommandPassthrough(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{results: map[string]any{"get_consumable": map[string]any{"main_brush_work_time": float64(10)}}}
	e := newTestEntity(client)

	result, err := e.SendCommand(context.Background(), "get_consumable", []any{"x", 1})
	require.NoError(err)
	require.Equal(map[string]any{"main_brush_work_time": float64(10)}, result)
	require.Equal(sentRequest{deviceID: "abc123", command: "get_consumable", params: []any{"x", 1}, wait: true}, client.last())
}

func TestCapabilitiesAreFixed(t *testing.T) {
	assert := assert.New(t)

	client := &fakeClient{results: map[string]any{CommandGetStatus: map[string]any{"state": float64(12)}}}
	e := newTestEntity(client)
	before := e.Capabilities()
	e.Refresh(context.Background())

	assert.Equal(before, e.Capabilities())
	assert.Equal(SupportedFeatures, before)
	for _, flag := range []Feature{FeatureTurnOn, FeatureTurnOff, FeaturePause, FeatureStop, FeatureReturnHome,
		FeatureFanSpeed, FeatureBattery, FeatureStatus, FeatureSendCommand, FeatureLocate, FeatureCleanSpot,
		FeatureMap, FeatureStart} {
		assert.True(before.Has(flag))
	}
	assert.Len(before.Names(), 14)
}

func TestDeviceInfo(t *testing.T) {
	assert := assert.New(t)

	e := newTestEntity(&fakeClient{})
	info := e.DeviceInfo()
	assert.Equal("Rocky", info.Name)
	assert.Equal([][2]string{{"roborock", "abc123"}}, info.Identifiers)
	assert.Equal("Roborock", info.Manufacturer)
	assert.Equal("roborock.vacuum.a15", info.Model)
	assert.Equal("mdi:robot-vacuum", e.Icon())
}
