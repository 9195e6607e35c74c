package hass

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
}

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.out = append(f.out, published{topic: topic, retained: retained, payload: data})
	return doneToken{}
}

func (f *fakePublisher) byTopic(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.out) - 1; i >= 0; i-- {
		if f.out[i].topic == topic {
			return f.out[i], true
		}
	}
	return published{}, false
}

type call struct {
	command string
	params  any
}

type recordingClient struct {
	status map[string]any
	calls  []call
}

func (r *recordingClient) SendRequest(_ context.Context, _ string, command string, params any, _ bool) (any, error) {
	r.calls = append(r.calls, call{command: command, params: params})
	if command == vacuum.CommandGetStatus {
		return r.status, nil
	}
	return "ok", nil
}

func newTestBridge() (*Bridge, *fakePublisher) {
	pub := &fakePublisher{}
	return &Bridge{
		pub:            pub,
		topics:         NewTopics("gohome", "homeassistant"),
		logger:         zap.NewNop(),
		commandTimeout: time.Second,
		commands:       make(chan inbound, commandQueueSize),
		vacuums:        make(map[string]Vacuum),
	}, pub
}

func newTestEntity(client vacuum.Requester) *vacuum.Entity {
	return vacuum.NewEntity(
		vacuum.Device{Name: "Rocky", DUID: "1AbC", Model: "roborock.vacuum.s7"},
		client,
		&vacuum.Tables{
			States:    map[int]string{5: "cleaning", 8: "charging"},
			FanSpeeds: map[int]string{101: "Quiet", 102: "Balanced", 103: "Turbo"},
		},
	)
}

func TestTopics(t *testing.T) {
	assert := assert.New(t)
	topics := NewTopics("gohome", "homeassistant")

	assert.Equal("gohome/bridge/state", topics.BridgeState())
	assert.Equal("homeassistant/vacuum/abc/config", topics.Config("abc"))
	assert.Equal("gohome/vacuum/+/+", topics.Subscription())

	id, kind, err := topics.ParseCommandTopic("gohome/vacuum/abc/set_fan_speed")
	assert.NoError(err)
	assert.Equal("abc", id)
	assert.Equal("set_fan_speed", kind)

	_, _, err = topics.ParseCommandTopic("gohome/vacuum/abc/state")
	assert.Error(err)
	_, _, err = topics.ParseCommandTopic("other/vacuum/abc/command")
	assert.Error(err)
}

func TestAddPublishesDiscoveryAndState(t *testing.T) {
	require := require.New(t)
	b, pub := newTestBridge()
	client := &recordingClient{status: map[string]any{"state": float64(8), "battery": float64(100), "fan_power": float64(102)}}
	e := newTestEntity(client)
	require.True(e.Refresh(context.Background()))

	b.Add(e)

	msg, ok := pub.byTopic("homeassistant/vacuum/1abc/config")
	require.True(ok)
	require.True(msg.retained)
	var cfg DiscoveryConfig
	require.NoError(json.Unmarshal(msg.payload, &cfg))
	require.Equal("vacuum.1AbC", cfg.UniqueID)
	require.Equal("state", cfg.Schema)
	require.Equal("gohome/vacuum/1abc/command", cfg.CommandTopic)
	require.Equal("gohome/vacuum/1abc/set_fan_speed", cfg.SetFanSpeedTopic)
	require.Equal([]string{"Quiet", "Balanced", "Turbo"}, cfg.FanSpeedList)
	require.Equal([]string{"roborock_1AbC"}, cfg.Device.Identifiers)
	require.Equal("Roborock", cfg.Device.Manufacturer)
	require.Equal([]string{"start", "stop", "pause", "return_home", "battery", "status",
		"locate", "clean_spot", "fan_speed", "send_command"}, cfg.SupportedFeatures)

	msg, ok = pub.byTopic("gohome/vacuum/1abc/state")
	require.True(ok)
	require.JSONEq(`{"state":"docked","battery_level":100,"fan_speed":"Balanced"}`, string(msg.payload))

	msg, ok = pub.byTopic("gohome/vacuum/1abc/attributes")
	require.True(ok)
	var attrs Attributes
	require.NoError(json.Unmarshal(msg.payload, &attrs))
	require.Equal("charging", attrs.Status)
	require.NotEmpty(attrs.UpdatedAt)
}

func TestStateWithEmptySnapshot(t *testing.T) {
	e := newTestEntity(&recordingClient{})
	data, err := json.Marshal(State(e))
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"idle"}`, string(data))
}

func TestDispatchCommands(t *testing.T) {
	cases := []struct {
		topic   string
		payload string
		want    call
	}{
		{"gohome/vacuum/1abc/command", "start", call{command: "app_start"}},
		{"gohome/vacuum/1abc/command", "pause", call{command: "app_stop"}},
		{"gohome/vacuum/1abc/command", "stop", call{command: "app_stop"}},
		{"gohome/vacuum/1abc/command", "return_to_base", call{command: "app_charge"}},
		{"gohome/vacuum/1abc/command", "clean_spot", call{command: "app_spot"}},
		{"gohome/vacuum/1abc/command", "locate", call{command: "find_me"}},
		{"gohome/vacuum/1abc/command", "start_pause", call{command: "app_pause"}},
		{"gohome/vacuum/1abc/set_fan_speed", "Turbo", call{command: "set_custom_mode", params: []int{103}}},
		{"gohome/vacuum/1abc/send_command", `{"command":"get_consumable","params":["a"]}`, call{command: "get_consumable", params: []any{"a"}}},
		{"gohome/vacuum/1abc/send_command", "get_clean_summary", call{command: "get_clean_summary"}},
	}
	for _, tc := range cases {
		t.Run(tc.topic+"/"+tc.payload, func(t *testing.T) {
			b, _ := newTestBridge()
			client := &recordingClient{}
			b.Add(newTestEntity(client))
			client.calls = nil

			require.NoError(t, b.Dispatch(context.Background(), tc.topic, []byte(tc.payload)))
			require.Len(t, client.calls, 1)
			assert.Equal(t, tc.want, client.calls[0])
		})
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	b, _ := newTestBridge()
	client := &recordingClient{}
	b.Add(newTestEntity(client))
	client.calls = nil
	ctx := context.Background()

	assert.NoError(t, b.Dispatch(ctx, "gohome/vacuum/1abc/state", []byte("{}")), "own state echoes are ignored")
	assert.ErrorIs(t, b.Dispatch(ctx, "gohome/vacuum/nope/command", []byte("start")), ErrUnknownVacuum)
	assert.Error(t, b.Dispatch(ctx, "gohome/vacuum/1abc/command", []byte("dance")))
	assert.Error(t, b.Dispatch(ctx, "gohome/vacuum/1abc/send_command", []byte(`{"params":[1]}`)))
	assert.Empty(t, client.calls)
}

// gatedClient reports each command and holds it until released.
type gatedClient struct {
	seen    chan string
	release chan struct{}
}

func (g *gatedClient) SendRequest(ctx context.Context, _ string, command string, _ any, _ bool) (any, error) {
	g.seen <- command
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return "ok", nil
}

func TestCommandsRunOffTheMessageHandlerInOrder(t *testing.T) {
	require := require.New(t)

	b, _ := newTestBridge()
	client := &gatedClient{seen: make(chan string, 4), release: make(chan struct{})}
	b.Add(newTestEntity(client))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.serveCommands(ctx)
		close(done)
	}()

	returned := make(chan struct{})
	go func() {
		b.handleMessage("gohome/vacuum/1abc/command", []byte("start"))
		b.handleMessage("gohome/vacuum/1abc/command", []byte("stop"))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("message handler blocked on the device call")
	}

	next := func() string {
		select {
		case cmd := <-client.seen:
			return cmd
		case <-time.After(2 * time.Second):
			t.Fatal("command not executed")
			return ""
		}
	}
	require.Equal("app_start", next())
	close(client.release)
	require.Equal("app_stop", next())

	cancel()
	<-done
}

func TestHandleMessageDropsWhenQueueFull(t *testing.T) {
	b, _ := newTestBridge()
	b.commands = make(chan inbound, 1)

	b.handleMessage("gohome/vacuum/1abc/command", []byte("start"))
	b.handleMessage("gohome/vacuum/1abc/command", []byte("stop"))

	require.Len(t, b.commands, 1)
	assert.Equal(t, "start", string((<-b.commands).payload))
}

func TestActivity(t *testing.T) {
	cases := map[string]string{
		"cleaning":                   ActivityCleaning,
		"segment_cleaning":           ActivityCleaning,
		"zoned_mopping":              ActivityCleaning,
		"returning_home":             ActivityReturning,
		"charging":                   ActivityDocked,
		"washing_the_mop_2":          ActivityDocked,
		"paused":                     ActivityPaused,
		"error":                      ActivityError,
		"idle":                       ActivityIdle,
		"":                           ActivityIdle,
		"some_future_firmware_state": ActivityIdle,
	}
	for label, want := range cases {
		assert.Equal(t, want, Activity(label), label)
	}
}
