package roborock

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	localPort      = 58867
	localPingEvery = 10 * time.Second
	localTimeout   = 5 * time.Second
)

// LocalChannel is a TCP session with one device on the LAN.
type LocalChannel struct {
	host         string
	port         int
	localKey     string
	deviceID     string
	logger       *zap.Logger
	protocol     LocalProtocolVersion
	connectNonce uint32
	ackNonce     *uint32

	conn    net.Conn
	decoder *messageDecoder
	mu      sync.Mutex

	subscribers map[int]func(RoborockMessage)
	nextSubID   int
	closed      chan struct{}
}

func NewLocalChannel(host, localKey, deviceID string, logger *zap.Logger) *LocalChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalChannel{
		host:         host,
		port:         localPort,
		localKey:     localKey,
		deviceID:     deviceID,
		logger:       logger.With(zap.String("duid", deviceID)),
		protocol:     LocalProtocolV1,
		connectNonce: uint32(nextInt(10000, 32767)),
		subscribers:  make(map[int]func(RoborockMessage)),
		closed:       make(chan struct{}),
	}
}

func (c *LocalChannel) ProtocolVersion() LocalProtocolVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Closed reports whether the connection has been torn down.
func (c *LocalChannel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *LocalChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.decoder = newMessageDecoder(c.localKey, c.connectNonce, c.ackNonce)
	c.mu.Unlock()
	go c.readLoop(conn)

	if err := c.hello(ctx); err != nil {
		c.Close()
		return err
	}
	go c.keepAlive()
	return nil
}

// hello negotiates the protocol version, trying 1.0 before L01.
func (c *LocalChannel) hello(ctx context.Context) error {
	for _, version := range []LocalProtocolVersion{LocalProtocolV1, LocalProtocolL01} {
		c.mu.Lock()
		c.protocol = version
		c.mu.Unlock()
		attemptCtx, cancel := context.WithTimeout(ctx, localTimeout/2)
		resp, err := c.sendRaw(attemptCtx, RoborockMessage{
			Version:  version,
			Protocol: ProtocolHelloRequest,
			Seq:      1,
			Random:   c.connectNonce,
		}, ProtocolHelloResponse)
		cancel()
		if err != nil {
			c.logger.Debug("hello failed", zap.String("protocol", string(version)), zap.Error(err))
			continue
		}
		ack := resp.Random
		c.mu.Lock()
		c.ackNonce = &ack
		c.decoder = newMessageDecoder(c.localKey, c.connectNonce, c.ackNonce)
		c.mu.Unlock()
		return nil
	}
	return errors.New("local hello failed")
}

func (c *LocalChannel) keepAlive() {
	ticker := time.NewTicker(localPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
			if err := c.sendPing(ctx); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *LocalChannel) sendPing(ctx context.Context) error {
	_, err := c.sendRaw(ctx, RoborockMessage{
		Version:  c.ProtocolVersion(),
		Protocol: ProtocolPingRequest,
	}, ProtocolPingResponse)
	return err
}

func (c *LocalChannel) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !c.Closed() {
				c.logger.Debug("local channel read failed", zap.Error(err))
			}
			c.Close()
			return
		}
		c.mu.Lock()
		decoder := c.decoder
		c.mu.Unlock()
		messages, err := decoder.Feed(buf[:n])
		if err != nil {
			c.logger.Debug("drop undecodable frame", zap.Error(err))
		}
		subs := c.snapshotSubscribers()
		for _, msg := range messages {
			for _, cb := range subs {
				cb(msg)
			}
		}
	}
}

func (c *LocalChannel) snapshotSubscribers() []func(RoborockMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(RoborockMessage), 0, len(c.subscribers))
	for _, cb := range c.subscribers {
		out = append(out, cb)
	}
	return out
}

// Subscribe registers cb for every decoded message and returns its remover.
func (c *LocalChannel) Subscribe(cb func(RoborockMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *LocalChannel) Publish(ctx context.Context, msg RoborockMessage) error {
	c.mu.Lock()
	conn := c.conn
	localKey := c.localKey
	connectNonce := c.connectNonce
	ackNonce := c.ackNonce
	c.mu.Unlock()
	if conn == nil {
		return errors.New("local channel not connected")
	}
	payload, err := encodeMessage(msg, localKey, connectNonce, ackNonce)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(localTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *LocalChannel) sendRaw(ctx context.Context, msg RoborockMessage, responseProtocol MessageProtocol) (RoborockMessage, error) {
	if msg.Seq == 0 {
		msg.Seq = uint32(nextInt(100000, 999999))
	}
	respCh := make(chan RoborockMessage, 1)
	unsub := c.Subscribe(func(resp RoborockMessage) {
		if resp.Protocol == responseProtocol && resp.Seq == msg.Seq {
			select {
			case respCh <- resp:
			default:
			}
		}
	})
	defer unsub()
	if err := c.Publish(ctx, msg); err != nil {
		return RoborockMessage{}, err
	}
	select {
	case <-ctx.Done():
		return RoborockMessage{}, ctx.Err()
	case <-c.closed:
		return RoborockMessage{}, errors.New("local channel closed")
	case resp := <-respCh:
		return resp, nil
	}
}

func (c *LocalChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
