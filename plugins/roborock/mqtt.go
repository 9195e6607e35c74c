package roborock

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const cloudTimeout = 10 * time.Second

// mqttClient fans broker messages out to per-topic callbacks and restores
// subscriptions after a reconnect.
type mqttClient struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

type mqttConfig struct {
	host     string
	port     int
	tls      bool
	username string
	password string
}

func newMQTTClient(cfg mqttConfig) (*mqttClient, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.tls {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.host, cfg.port))
	opts.SetUsername(cfg.username)
	opts.SetPassword(cfg.password)
	opts.SetClientID(randomClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	mc := &mqttClient{subs: make(map[string]map[int]func([]byte))}
	opts.SetDefaultPublishHandler(mc.dispatch)
	opts.OnConnect = func(_ mqtt.Client) {
		mc.resubscribeAll()
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cloudTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	mc.client = client
	return mc, nil
}

func (c *mqttClient) subscribe(topic string, cb func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = cb
	needSubscribe := len(c.subs[topic]) == 1
	c.mu.Unlock()

	if needSubscribe {
		if token := c.client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
			c.remove(topic, id)
			return nil, token.Error()
		}
	}

	return func() {
		if c.remove(topic, id) {
			_ = c.client.Unsubscribe(topic).Wait()
		}
	}, nil
}

// remove drops one callback and reports whether topic has none left. A
// topic whose broker subscription failed is forgotten, so the next
// subscriber asks the broker again.
func (c *mqttClient) remove(topic string, id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	callbacks := c.subs[topic]
	if callbacks == nil {
		return false
	}
	delete(callbacks, id)
	if len(callbacks) > 0 {
		return false
	}
	delete(c.subs, topic)
	return true
}

func (c *mqttClient) publish(topic string, payload []byte) error {
	if token := c.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *mqttClient) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	callbacks := c.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (c *mqttClient) close() {
	c.client.Disconnect(250)
}

func (c *mqttClient) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		_ = c.client.Subscribe(topic, 0, nil).Wait()
	}
}

func (c *Client) mqttSession() (*mqttClient, error) {
	if mc := c.storedSession(); mc != nil {
		return mc, nil
	}
	v, err, _ := c.connects.Do("cloud", func() (any, error) {
		if mc := c.storedSession(); mc != nil {
			return mc, nil
		}
		cfg, err := mqttConfigFromUserData(c.userData)
		if err != nil {
			return nil, err
		}
		mc, err := newMQTTClient(cfg)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			mc.close()
			return nil, errClientClosed
		}
		c.mqtt = mc
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*mqttClient), nil
}

func (c *Client) storedSession() *mqttClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mqtt
}

func mqttConfigFromUserData(userData *UserData) (mqttConfig, error) {
	if userData == nil {
		return mqttConfig{}, errors.New("missing user data")
	}
	rawURL := userData.RRIOT.R.M
	if rawURL == "" {
		return mqttConfig{}, errors.New("missing rriot mqtt url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return mqttConfig{}, err
	}
	if parsed.Hostname() == "" || parsed.Port() == "" {
		return mqttConfig{}, fmt.Errorf("invalid mqtt url %q", rawURL)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil || port <= 0 {
		return mqttConfig{}, fmt.Errorf("invalid mqtt port %q", parsed.Port())
	}
	return mqttConfig{
		host:     parsed.Hostname(),
		port:     port,
		tls:      parsed.Scheme == "ssl",
		username: mqttUsername(userData),
		password: mqttPassword(userData),
	}, nil
}

func mqttUsername(userData *UserData) string {
	return md5Hex([]byte(userData.RRIOT.U + ":" + userData.RRIOT.K))[2:10]
}

func mqttPassword(userData *UserData) string {
	return md5Hex([]byte(userData.RRIOT.S + ":" + userData.RRIOT.K))[16:]
}

func mqttTopics(userData *UserData, deviceID string, mqttUser string) (pub string, sub string) {
	return fmt.Sprintf("rr/m/i/%s/%s/%s", userData.RRIOT.U, mqttUser, deviceID),
		fmt.Sprintf("rr/m/o/%s/%s/%s", userData.RRIOT.U, mqttUser, deviceID)
}

// sendCloudRPC publishes an RPC through the Roborock broker and waits for the
// matching response on the device's outbound topic.
func (c *Client) sendCloudRPC(ctx context.Context, device HomeDataDevice, method string, params any, wait bool) (any, error) {
	session, err := c.mqttSession()
	if err != nil {
		return nil, fmt.Errorf("cloud session: %w", err)
	}
	req := newRequest(method, params)
	payload, err := encodeRequestPayload(req)
	if err != nil {
		return nil, err
	}
	frame, err := encodeFrame(RoborockMessage{
		Version:   LocalProtocolV1,
		Protocol:  ProtocolRpcRequest,
		Timestamp: req.Timestamp,
		Payload:   payload,
	}, device.LocalKey, 0, nil)
	if err != nil {
		return nil, err
	}

	pubTopic, subTopic := mqttTopics(c.userData, device.DUID, mqttUsername(c.userData))
	if !wait {
		return nil, session.publish(pubTopic, frame)
	}

	respCh := make(chan rpcResponse, 1)
	decoder := newMessageDecoder(device.LocalKey, 0, nil)
	var decodeMu sync.Mutex
	unsub, err := session.subscribe(subTopic, func(data []byte) {
		decodeMu.Lock()
		messages, err := decoder.Feed(data)
		decodeMu.Unlock()
		if err != nil {
			c.logger.Debug("drop undecodable cloud frame", zap.String("duid", device.DUID), zap.Error(err))
		}
		for _, message := range messages {
			resp, ok := responseFor(message, req.RequestID)
			if !ok {
				continue
			}
			select {
			case respCh <- resp:
			default:
			}
			return
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	if err := session.publish(pubTopic, frame); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cloudTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s via cloud: %w", method, ctx.Err())
	case resp := <-respCh:
		return resp.value()
	}
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "gohome-" + base64.RawURLEncoding.EncodeToString(nonce)
}
