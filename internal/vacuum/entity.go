package vacuum

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	Domain       = "roborock"
	Manufacturer = "Roborock"
	Icon         = "mdi:robot-vacuum"

	uniqueIDPrefix = "vacuum."
)

// Device commands understood by Roborock firmware.
const (
	CommandGetStatus     = "get_status"
	CommandGetMap        = "get_map_v1"
	CommandStart         = "app_start"
	CommandStop          = "app_stop"
	CommandPause         = "app_pause"
	CommandCharge        = "app_charge"
	CommandSpot          = "app_spot"
	CommandFindMe        = "find_me"
	CommandSetCustomMode = "set_custom_mode"
)

// Requester is the device client an entity forwards every call to.
type Requester interface {
	SendRequest(ctx context.Context, deviceID, command string, params any, waitForResponse bool) (any, error)
}

// Device describes one vacuum as reported by the account's home data.
type Device struct {
	Name  string
	DUID  string
	Model string
}

// DeviceInfo is the host-facing device registry entry.
type DeviceInfo struct {
	Name         string
	Identifiers  [][2]string
	Manufacturer string
	Model        string
}

// Entity adapts a device client to the vacuum entity contract.
type Entity struct {
	device Device
	client Requester
	tables *Tables
	logger *zap.Logger

	mu        sync.RWMutex
	status    map[string]any
	updatedAt time.Time
}

type Option func(*Entity)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Entity) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEntity(device Device, client Requester, tables *Tables, opts ...Option) *Entity {
	e := &Entity{
		device: device,
		client: client,
		tables: tables,
		logger: zap.NewNop(),
		status: map[string]any{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger.Debug("added vacuum entity", zap.String("name", device.Name), zap.String("duid", device.DUID))
	return e
}

func (e *Entity) send(ctx context.Context, command string, params any) (any, error) {
	return e.client.SendRequest(ctx, e.device.DUID, command, params, true)
}

// Refresh fetches a new status snapshot. The stored snapshot is replaced only
// when the client answers with a mapping; it reports whether that happened.
func (e *Entity) Refresh(ctx context.Context) bool {
	result, err := e.send(ctx, CommandGetStatus, nil)
	if err != nil {
		return false
	}
	snapshot, ok := result.(map[string]any)
	if !ok || snapshot == nil {
		return false
	}
	e.mu.Lock()
	e.status = snapshot
	e.updatedAt = time.Now()
	e.mu.Unlock()
	return true
}

func (e *Entity) Capabilities() Feature {
	return SupportedFeatures
}

func (e *Entity) UniqueID() string {
	return uniqueIDPrefix + e.device.DUID
}

func (e *Entity) Name() string {
	return e.device.Name
}

func (e *Entity) Icon() string {
	return Icon
}

func (e *Entity) Device() Device {
	return e.device
}

func (e *Entity) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:         e.device.Name,
		Identifiers:  [][2]string{{Domain, e.device.DUID}},
		Manufacturer: Manufacturer,
		Model:        e.device.Model,
	}
}

// Snapshot returns a copy of the last status mapping.
func (e *Entity) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.status))
	for k, v := range e.status {
		out[k] = v
	}
	return out
}

// UpdatedAt is the time of the last successful refresh, zero before the first.
func (e *Entity) UpdatedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updatedAt
}

func (e *Entity) field(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.status[key]
	return v, ok
}

func (e *Entity) intField(key string) (int, bool) {
	v, ok := e.field(key)
	if !ok {
		return 0, false
	}
	return intFrom(v)
}

// Status is the label of the snapshot's state code.
func (e *Entity) Status() (string, bool) {
	code, ok := e.intField("state")
	if !ok {
		return "", false
	}
	return e.tables.stateLabel(code)
}

func (e *Entity) State() (string, bool) {
	return e.Status()
}

func (e *Entity) BatteryLevel() (int, bool) {
	return e.intField("battery")
}

func (e *Entity) FanSpeed() (string, bool) {
	code, ok := e.intField("fan_power")
	if !ok {
		return "", false
	}
	return e.tables.fanSpeedLabel(code)
}

func (e *Entity) FanSpeedList() []string {
	return e.tables.FanSpeedLabels()
}

// Map requests the map token. The result is returned as the device sent it
// and is fetched again on every call.
func (e *Entity) Map(ctx context.Context) (any, error) {
	return e.send(ctx, CommandGetMap, nil)
}

func (e *Entity) command(ctx context.Context, command string, params any) error {
	_, err := e.send(ctx, command, params)
	return err
}

func (e *Entity) Start(ctx context.Context) error {
	return e.command(ctx, CommandStart, nil)
}

func (e *Entity) Pause(ctx context.Context) error {
	return e.command(ctx, CommandStop, nil)
}

func (e *Entity) Stop(ctx context.Context) error {
	return e.command(ctx, CommandStop, nil)
}

func (e *Entity) ReturnToBase(ctx context.Context) error {
	return e.command(ctx, CommandCharge, nil)
}

func (e *Entity) CleanSpot(ctx context.Context) error {
	return e.command(ctx, CommandSpot, nil)
}

func (e *Entity) Locate(ctx context.Context) error {
	return e.command(ctx, CommandFindMe, nil)
}

func (e *Entity) StartPause(ctx context.Context) error {
	return e.command(ctx, CommandPause, nil)
}

// SetFanSpeed sends every code whose label is fanSpeed. An unknown label
// sends an empty parameter list.
func (e *Entity) SetFanSpeed(ctx context.Context, fanSpeed string) error {
	return e.command(ctx, CommandSetCustomMode, e.tables.FanSpeedCodes(fanSpeed))
}

// SendCommand forwards an arbitrary command to the device.
func (e *Entity) SendCommand(ctx context.Context, command string, params any) (any, error) {
	return e.send(ctx, command, params)
}

// intFrom accepts integers and whole JSON numbers. Strings and fractional
// numbers match no table entry and report no battery level.
func intFrom(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	default:
		return 0, false
	}
}
