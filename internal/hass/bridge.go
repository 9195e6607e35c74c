// Package hass announces vacuum entities to Home Assistant over MQTT
// discovery and forwards commands from Home Assistant to them.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

const (
	defaultCommandTimeout = 10 * time.Second
	commandQueueSize      = 32
)

var ErrUnknownVacuum = errors.New("unknown vacuum")

// Vacuum is the part of a vacuum entity the bridge needs.
type Vacuum interface {
	UniqueID() string
	Name() string
	Icon() string
	Device() vacuum.Device
	DeviceInfo() vacuum.DeviceInfo
	Capabilities() vacuum.Feature
	FanSpeedList() []string
	Status() (string, bool)
	BatteryLevel() (int, bool)
	FanSpeed() (string, bool)
	UpdatedAt() time.Time

	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	ReturnToBase(ctx context.Context) error
	CleanSpot(ctx context.Context) error
	Locate(ctx context.Context) error
	StartPause(ctx context.Context) error
	SetFanSpeed(ctx context.Context, fanSpeed string) error
	SendCommand(ctx context.Context, command string, params any) (any, error)
}

type inbound struct {
	topic   string
	payload []byte
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge keeps Home Assistant in sync with a set of vacuums.
type Bridge struct {
	client         mqtt.Client
	pub            publisher
	topics         Topics
	logger         *zap.Logger
	commandTimeout time.Duration
	commands       chan inbound

	mu      sync.RWMutex
	vacuums map[string]Vacuum
}

func NewBridge(cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		topics:         NewTopics(cfg.BaseTopic, cfg.DiscoveryTopic),
		logger:         logger,
		commandTimeout: defaultCommandTimeout,
		commands:       make(chan inbound, commandQueueSize),
		vacuums:        make(map[string]Vacuum),
	}
	opts := Options(cfg)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	b.client = mqtt.NewClient(opts)
	b.pub = b.client
	return b
}

func (b *Bridge) Topics() Topics {
	return b.topics
}

// Run connects and blocks until ctx is done, then marks the bridge offline.
// Commands from Home Assistant are executed in arrival order on a goroutine
// owned by Run.
func (b *Bridge) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	defer func() { <-workerDone }()
	go func() {
		defer close(workerDone)
		b.serveCommands(ctx)
	}()

	token := b.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	if err := wait(b.pub.Publish(b.topics.BridgeState(), 0, true, PayloadOffline), "publish"); err != nil {
		b.logger.Warn("publish offline state", zap.Error(err))
	}
	b.client.Disconnect(uint(publishTimeout.Milliseconds()))
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("mqtt connected")
	if err := wait(b.pub.Publish(b.topics.BridgeState(), 0, true, PayloadOnline), "publish"); err != nil {
		b.logger.Warn("publish online state", zap.Error(err))
	}
	token := client.Subscribe(b.topics.Subscription(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	if err := wait(token, "subscribe"); err != nil {
		b.logger.Error("subscribe to command topics", zap.Error(err))
	}
	for _, v := range b.list() {
		b.announce(v)
	}
}

// Add registers a vacuum and announces it when connected.
func (b *Bridge) Add(v Vacuum) {
	b.mu.Lock()
	b.vacuums[ObjectID(v)] = v
	b.mu.Unlock()

	if b.client == nil || b.client.IsConnectionOpen() {
		b.announce(v)
	}
}

func (b *Bridge) list() []Vacuum {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Vacuum, 0, len(b.vacuums))
	for _, v := range b.vacuums {
		out = append(out, v)
	}
	return out
}

func (b *Bridge) lookup(objectID string) (Vacuum, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.vacuums[objectID]
	return v, ok
}

func (b *Bridge) announce(v Vacuum) {
	if err := b.publishJSON(b.topics.Config(ObjectID(v)), Discovery(b.topics, v)); err != nil {
		b.logger.Warn("publish discovery", zap.String("entity", v.UniqueID()), zap.Error(err))
		return
	}
	b.PublishState(v)
}

// PublishState publishes the state and attributes derived from the current
// snapshot.
func (b *Bridge) PublishState(v Vacuum) {
	id := ObjectID(v)
	if err := b.publishJSON(b.topics.State(id), State(v)); err != nil {
		b.logger.Warn("publish state", zap.String("entity", v.UniqueID()), zap.Error(err))
		return
	}
	attrs := Attributes{}
	if label, ok := v.Status(); ok {
		attrs.Status = label
	}
	if updated := v.UpdatedAt(); !updated.IsZero() {
		attrs.UpdatedAt = updated.UTC().Format(time.RFC3339)
	}
	if err := b.publishJSON(b.topics.Attributes(id), attrs); err != nil {
		b.logger.Warn("publish attributes", zap.String("entity", v.UniqueID()), zap.Error(err))
	}
}

func (b *Bridge) publishJSON(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return wait(b.pub.Publish(topic, 0, true, data), "publish")
}

// handleMessage runs on paho's router goroutine and only queues the message.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	msg := inbound{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case b.commands <- msg:
	default:
		b.logger.Warn("vacuum command dropped, queue full", zap.String("topic", topic))
	}
}

func (b *Bridge) serveCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.commands:
			cmdCtx, cancel := context.WithTimeout(ctx, b.commandTimeout)
			if err := b.Dispatch(cmdCtx, msg.topic, msg.payload); err != nil {
				b.logger.Warn("vacuum command failed", zap.String("topic", msg.topic), zap.Error(err))
			}
			cancel()
		}
	}
}

// Dispatch routes one incoming message to the matching entity method.
// Messages on state or attribute topics are ignored.
func (b *Bridge) Dispatch(ctx context.Context, topic string, payload []byte) error {
	objectID, kind, err := b.topics.ParseCommandTopic(topic)
	if err != nil {
		return nil
	}
	v, ok := b.lookup(objectID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVacuum, objectID)
	}
	text := strings.TrimSpace(string(payload))

	switch kind {
	case "set_fan_speed":
		return v.SetFanSpeed(ctx, text)
	case "send_command":
		command, params := parseSendCommand(payload)
		if command == "" {
			return errors.New("send_command payload has no command")
		}
		_, err := v.SendCommand(ctx, command, params)
		return err
	}

	switch text {
	case CommandStart:
		return v.Start(ctx)
	case CommandPause:
		return v.Pause(ctx)
	case CommandStop:
		return v.Stop(ctx)
	case CommandReturnToBase:
		return v.ReturnToBase(ctx)
	case CommandCleanSpot:
		return v.CleanSpot(ctx)
	case CommandLocate:
		return v.Locate(ctx)
	case CommandStartPause:
		return v.StartPause(ctx)
	default:
		return fmt.Errorf("unsupported command %q", text)
	}
}

// parseSendCommand accepts either {"command": ..., "params": ...} or a bare
// command name.
func parseSendCommand(payload []byte) (string, any) {
	var body struct {
		Command string `json:"command"`
		Params  any    `json:"params"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Command != "" {
		return body.Command, body.Params
	}
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		return "", nil
	}
	return text, nil
}
