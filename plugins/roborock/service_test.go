package roborock

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/joshp123/gohome-vacuum/internal/rpc"
)

func dialService(t *testing.T, fleet *Fleet) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	require.NoError(t, RegisterVacuumService(srv, fleet))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(conn *grpc.ClientConn, method string, req map[string]any) (map[string]any, error) {
	return rpc.Call(context.Background(), conn, ServiceName, method, req)
}

func TestServiceWithoutClient(t *testing.T) {
	conn := dialService(t, nil)
	_, err := invoke(conn, "ListVacuums", nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = invoke(conn, "Start", map[string]any{"device_id": "duid-a"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestServiceArgumentValidation(t *testing.T) {
	conn := dialService(t, testFleet(t, &fakeRequester{}))

	cases := []struct {
		method string
		req    map[string]any
		code   codes.Code
	}{
		{"GetStatus", nil, codes.InvalidArgument},
		{"Start", map[string]any{"device_id": "missing"}, codes.NotFound},
		{"SetFanSpeed", map[string]any{"device_id": "duid-a"}, codes.InvalidArgument},
		{"SendCommand", map[string]any{"device_id": "duid-a"}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			_, err := invoke(conn, tc.method, tc.req)
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestServiceCommands(t *testing.T) {
	requester := &fakeRequester{results: map[string]any{
		"get_status":     map[string]any{"state": float64(5), "battery": float64(64), "fan_power": float64(102)},
		"get_map_v1":     "map-token",
		"get_consumable": map[string]any{"filter_work_time": float64(3600)},
	}}
	conn := dialService(t, testFleet(t, requester))

	for method, command := range map[string]string{
		"Start":        "app_start",
		"Pause":        "app_stop",
		"Stop":         "app_stop",
		"ReturnToBase": "app_charge",
		"CleanSpot":    "app_spot",
		"Locate":       "find_me",
		"StartPause":   "app_pause",
	} {
		_, err := invoke(conn, method, map[string]any{"device_name": "Downstairs"})
		require.NoError(t, err, method)
		assert.Equal(t, call{deviceID: "duid-a", command: command}, requester.last(), method)
	}

	_, err := invoke(conn, "SetFanSpeed", map[string]any{"device_id": "duid-a", "fan_speed": "Turbo"})
	require.NoError(t, err)
	assert.Equal(t, call{deviceID: "duid-a", command: "set_custom_mode", params: []int{103}}, requester.last())

	resp, err := invoke(conn, "GetStatus", map[string]any{"device_id": "duid-a", "refresh": true})
	require.NoError(t, err)
	vac := resp["vacuum"].(map[string]any)
	assert.Equal(t, "vacuum.duid-a", vac["unique_id"])
	assert.Equal(t, "cleaning", vac["status"])
	assert.Equal(t, float64(64), vac["battery_level"])
	assert.Equal(t, "Balanced", vac["fan_speed"])
	assert.Equal(t, true, vac["supports_mop"])
	assert.NotEmpty(t, vac["updated_at"])

	resp, err = invoke(conn, "GetMap", map[string]any{"device_id": "duid-a"})
	require.NoError(t, err)
	assert.Equal(t, "map-token", resp["map"])

	resp, err = invoke(conn, "SendCommand", map[string]any{"device_id": "duid-a", "command": "get_consumable", "params": []any{"x"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"filter_work_time": float64(3600)}, resp["result"])
	assert.Equal(t, []any{"x"}, requester.last().params)

	resp, err = invoke(conn, "ListFanSpeeds", map[string]any{"device_id": "duid-b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"Quiet", "Balanced", "Turbo", "Max", "Off", "Custom", "Max+"}, resp["fan_speeds"])

	resp, err = invoke(conn, "ListVacuums", nil)
	require.NoError(t, err)
	assert.Len(t, resp["vacuums"], 2)
}

func TestServiceMapsClientErrors(t *testing.T) {
	requester := &fakeRequester{err: errors.New("device error: busy")}
	conn := dialService(t, testFleet(t, requester))

	_, err := invoke(conn, "Start", map[string]any{"device_id": "duid-a"})
	assert.Equal(t, codes.Internal, status.Code(err))

	requester.setErr(ErrDeviceNotFound)
	_, err = invoke(conn, "Locate", map[string]any{"device_id": "duid-a"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	requester.setErr(context.DeadlineExceeded)
	_, err = invoke(conn, "Stop", map[string]any{"device_id": "duid-a"})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}
