package roborock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotImplemented = errors.New("not implemented")
)

// Client talks to Roborock devices over the local protocol, falling back to
// the cloud MQTT broker when configured.
type Client struct {
	cfg       Config
	bootstrap BootstrapState
	userData  *UserData
	api       *WebAPI
	logger    *zap.Logger
	localPort int

	// connects collapses concurrent session setup into one dial per key.
	connects singleflight.Group

	mu        sync.Mutex
	homeData  *HomeData
	devices   map[string]HomeDataDevice
	channels  map[string]*LocalChannel
	ipCache   map[string]string
	overrides map[string]string
	mqtt      *mqttClient
	closed    bool
}

var errClientClosed = errors.New("roborock client closed")

func NewClient(cfg Config, bootstrap BootstrapState, logger *zap.Logger) (*Client, error) {
	if err := bootstrap.Validate(); err != nil {
		return nil, err
	}
	userData, err := parseUserData(bootstrap.UserData)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	overrides := cfg.IPOverrides
	if overrides == nil {
		overrides = map[string]string{}
	}

	return &Client{
		cfg:       cfg,
		bootstrap: bootstrap,
		userData:  userData,
		api:       NewWebAPI(bootstrap.Username, bootstrap.BaseURL),
		logger:    logger,
		localPort: localPort,
		devices:   make(map[string]HomeDataDevice),
		channels:  make(map[string]*LocalChannel),
		ipCache:   make(map[string]string),
		overrides: overrides,
	}, nil
}

// Devices lists the account's devices ordered by name.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	if err := c.ensureHomeData(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homeData.Describe(), nil
}

// SendRequest sends command to the device and returns the decoded result.
// With waitForResponse unset the request is only published and the result is
// nil. A single-element list wrapping an object is unwrapped to the object.
func (c *Client) SendRequest(ctx context.Context, deviceID, command string, params any, waitForResponse bool) (any, error) {
	if err := c.ensureHomeData(ctx); err != nil {
		return nil, err
	}
	device, err := c.deviceByID(deviceID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}

	channel, err := c.getLocalChannel(ctx, device)
	if err != nil {
		if !c.cfg.CloudFallback {
			return nil, err
		}
		c.logger.Debug("local channel unavailable, using cloud",
			zap.String("duid", deviceID), zap.String("command", command), zap.Error(err))
		result, err := c.sendCloudRPC(ctx, device, command, params, waitForResponse)
		if err != nil {
			return nil, err
		}
		return unwrapResult(result), nil
	}

	result, err := c.sendLocalRPC(ctx, channel, command, params, waitForResponse)
	if err != nil {
		if channel.Closed() {
			c.dropChannel(device.DUID, channel)
		}
		return nil, err
	}
	return unwrapResult(result), nil
}

func (c *Client) sendLocalRPC(ctx context.Context, channel *LocalChannel, method string, params any, wait bool) (any, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()
	req := newRequest(method, params)
	msg := RoborockMessage{
		Version:  channel.ProtocolVersion(),
		Protocol: ProtocolGeneralReq,
	}
	var err error
	if msg.Version == LocalProtocolL01 {
		msg.Protocol = ProtocolRpcRequest
		msg.Payload, err = json.Marshal(req)
	} else {
		msg.Payload, err = encodeRequestPayload(req)
	}
	if err != nil {
		return nil, err
	}
	if !wait {
		return nil, channel.Publish(rpcCtx, msg)
	}

	respCh := make(chan rpcResponse, 1)
	unsub := channel.Subscribe(func(respMsg RoborockMessage) {
		resp, ok := responseFor(respMsg, req.RequestID)
		if !ok {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	})
	defer unsub()

	if err := channel.Publish(rpcCtx, msg); err != nil {
		return nil, err
	}

	select {
	case <-rpcCtx.Done():
		return nil, fmt.Errorf("%s: %w", method, rpcCtx.Err())
	case resp := <-respCh:
		return resp.value()
	}
}

// responseFor decodes an RPC response frame and reports whether it answers
// requestID.
func responseFor(msg RoborockMessage, requestID int) (rpcResponse, bool) {
	var resp rpcResponse
	switch msg.Protocol {
	case ProtocolGeneralReq, ProtocolGeneralResp, ProtocolRpcResponse:
		if len(msg.Payload) == 0 {
			return rpcResponse{}, false
		}
		parsed, err := decodeResponsePayload(msg.Payload)
		if err != nil {
			return rpcResponse{}, false
		}
		resp = parsed
	default:
		return rpcResponse{}, false
	}
	if resp.RequestID != 0 && resp.RequestID != requestID {
		return rpcResponse{}, false
	}
	return resp, true
}

func unwrapResult(result any) any {
	if list, ok := result.([]any); ok && len(list) == 1 {
		if item, ok := list[0].(map[string]any); ok {
			return item
		}
	}
	return result
}

func (c *Client) ensureHomeData(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.homeData != nil
	c.mu.Unlock()
	if loaded {
		return nil
	}
	return c.RefreshHomeData(ctx)
}

// RefreshHomeData reloads devices and products from the cloud API.
func (c *Client) RefreshHomeData(ctx context.Context) error {
	home, err := c.api.HomeData(ctx, c.userData)
	if err != nil {
		return fmt.Errorf("fetch home data: %w", err)
	}
	c.setHomeData(home)
	return nil
}

func (c *Client) setHomeData(home *HomeData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.homeData = home
	c.devices = home.all()
}

func (c *Client) deviceByID(id string) (HomeDataDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[id]
	if !ok {
		return HomeDataDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return dev, nil
}

func (c *Client) getLocalChannel(ctx context.Context, device HomeDataDevice) (*LocalChannel, error) {
	if channel := c.storedChannel(device.DUID); channel != nil {
		return channel, nil
	}
	v, err, _ := c.connects.Do("local/"+device.DUID, func() (any, error) {
		if channel := c.storedChannel(device.DUID); channel != nil {
			return channel, nil
		}
		return c.connectLocal(ctx, device)
	})
	if err != nil {
		return nil, err
	}
	return v.(*LocalChannel), nil
}

func (c *Client) storedChannel(duid string) *LocalChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel := c.channels[duid]; channel != nil && !channel.Closed() {
		return channel
	}
	return nil
}

func (c *Client) connectLocal(ctx context.Context, device HomeDataDevice) (*LocalChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	ip, err := c.deviceIP(ctx, device.DUID)
	if err != nil {
		return nil, err
	}
	channel := NewLocalChannel(ip, device.LocalKey, device.DUID, c.logger)
	channel.port = c.localPort
	if err := channel.Connect(ctx); err != nil {
		c.forgetIP(device.DUID)
		return nil, fmt.Errorf("connect %s at %s: %w", device.DUID, ip, err)
	}
	c.logger.Info("local channel connected",
		zap.String("duid", device.DUID), zap.String("ip", ip), zap.String("protocol", string(channel.ProtocolVersion())))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		channel.Close()
		return nil, errClientClosed
	}
	c.channels[device.DUID] = channel
	return channel, nil
}

func (c *Client) dropChannel(deviceID string, channel *LocalChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[deviceID] == channel {
		delete(c.channels, deviceID)
	}
}

func (c *Client) deviceIP(ctx context.Context, deviceID string) (string, error) {
	c.mu.Lock()
	if override := c.overrides[deviceID]; override != "" {
		c.mu.Unlock()
		return override, nil
	}
	if ip := c.ipCache[deviceID]; ip != "" {
		c.mu.Unlock()
		return ip, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msgs, err := DiscoverBroadcast(ctx, 3*time.Second)
	if err != nil {
		return "", fmt.Errorf("broadcast discovery: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		if msg.DUID != "" && msg.IP != "" {
			c.ipCache[msg.DUID] = msg.IP
		}
	}
	if ip := c.ipCache[deviceID]; ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("device %s not found on broadcast", deviceID)
}

func (c *Client) forgetIP(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ipCache, deviceID)
}

// Close tears down local channels and the cloud session.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	channels := c.channels
	c.channels = make(map[string]*LocalChannel)
	mc := c.mqtt
	c.mqtt = nil
	c.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
	if mc != nil {
		mc.close()
	}
}
