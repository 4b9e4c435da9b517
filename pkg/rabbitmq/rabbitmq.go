package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotConnected = errors.New("mqtt: not connected")
	ErrClosed       = errors.New("mqtt: client closed")

	// ErrSubscribeTimeout means no SUBACK arrived in time; the pattern
	// stays registered and the next Subscribe or connect retries it.
	ErrSubscribeTimeout = errors.New("mqtt: subscribe timeout")
)

// RabbitMQConfig describes the MQTT endpoint. RabbitMQ's MQTT plugin and
// any MQTT 3.1.1 broker are accepted.
type RabbitMQConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	ClientID       string
	QoS            byte
	RetryDelay     time.Duration // fixed delay between connect attempts
	ConnectTimeout time.Duration
}

// ConnectionState is the lifecycle of the broker connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageHandler receives every inbound message. It runs on the client's
// network goroutine and must return quickly.
type MessageHandler func(topic string, payload []byte)

// Transport is what the pipeline needs from a publish/subscribe broker.
type Transport interface {
	Connect()
	Subscribe(topicPattern string) error
	Publish(topic string, payload []byte) error
	OnMessage(h MessageHandler)
	State() ConnectionState
	Close()
}

// ClientFactory builds the underlying paho client; tests swap it for a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithClientFactory(f ClientFactory) Option {
	return func(c *Client) { c.newClient = f }
}

// Client owns the broker connection. Connect never blocks: attempts run on
// their own goroutine at a fixed interval until one succeeds or Close is
// called, and a lost connection schedules the same loop again.
type Client struct {
	cfg       RabbitMQConfig
	log       *slog.Logger
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	mc         mqtt.Client
	state      ConnectionState
	connecting bool
	closed     bool
	topics     []string
	subscribed map[string]bool
	handler    MessageHandler
	listeners  []func(ConnectionState)
}

var _ Transport = (*Client)(nil)

func NewClient(cfg RabbitMQConfig, opts ...Option) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		log:        slog.Default(),
		newClient:  mqtt.NewClient,
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port))
	opts.SetUsername(c.cfg.User)
	opts.SetPassword(c.cfg.Password)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	// Reconnection is driven by our own state machine.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectionLostHandler(c.connectionLost)
	return opts
}

// Connect starts connecting in the background. It is a no-op while a
// connect loop is running, once connected, or after Close.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.connecting || c.state == Connected {
		return
	}
	c.startLoopLocked(0)
}

// startLoopLocked must be called with c.mu held.
func (c *Client) startLoopLocked(delay time.Duration) {
	c.connecting = true
	c.wg.Add(1)
	go c.connectLoop(delay)
}

func (c *Client) connectLoop(delay time.Duration) {
	defer c.wg.Done()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.RetryDelay), c.ctx)
	err := backoff.RetryNotify(c.attempt, b, func(err error, next time.Duration) {
		c.log.Warn("rabbitmq: connect failed", "broker", c.addr(), "error", err, "retry_in", next)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		c.log.Error("rabbitmq: connect loop stopped", "error", err)
	}
}

func (c *Client) attempt() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backoff.Permanent(ErrClosed)
	}
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()
	notify()

	mc := c.newClient(c.options())
	tok := mc.Connect()
	var err error
	if tok.WaitTimeout(c.cfg.ConnectTimeout) {
		err = tok.Error()
	} else {
		mc.Disconnect(0)
		err = fmt.Errorf("connect timeout after %s", c.cfg.ConnectTimeout)
	}
	if err != nil {
		c.mu.Lock()
		notify = c.setStateLocked(Disconnected)
		c.mu.Unlock()
		notify()
		return err
	}
	return c.onConnected(mc)
}

func (c *Client) onConnected(mc mqtt.Client) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		mc.Disconnect(250)
		return backoff.Permanent(ErrClosed)
	}
	c.mc = mc
	c.connecting = false
	c.subscribed = make(map[string]bool, len(c.topics))
	topics := append([]string(nil), c.topics...)
	notify := c.setStateLocked(Connected)
	c.mu.Unlock()

	c.log.Info("rabbitmq: connected", "broker", c.addr(), "client_id", c.cfg.ClientID)
	notify()

	for _, t := range topics {
		c.subscribeOn(mc, t)
	}
	return nil
}

func (c *Client) connectionLost(lost mqtt.Client, err error) {
	c.mu.Lock()
	if c.closed || lost != c.mc {
		c.mu.Unlock()
		return
	}
	c.mc = nil
	notify := c.setStateLocked(Disconnected)
	if !c.connecting {
		c.startLoopLocked(c.cfg.RetryDelay)
	}
	c.mu.Unlock()

	c.log.Warn("rabbitmq: connection lost", "error", err, "retry_in", c.cfg.RetryDelay)
	notify()
}

// Subscribe registers a topic pattern. Registering the same pattern again
// only retries a subscription that has not been acknowledged. Patterns are
// (re)subscribed on every successful connect.
func (c *Client) Subscribe(topicPattern string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	added := !c.registeredLocked(topicPattern)
	if added {
		c.topics = append(c.topics, topicPattern)
	}
	mc := c.mc
	c.mu.Unlock()

	if mc == nil {
		if added {
			c.log.Info("rabbitmq: subscription registered", "topic", topicPattern)
		}
		return nil
	}
	return c.subscribeOn(mc, topicPattern)
}

func (c *Client) subscribeOn(mc mqtt.Client, topic string) error {
	c.mu.Lock()
	if c.subscribed[topic] || mc != c.mc {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[topic] = true
	c.mu.Unlock()

	tok := mc.Subscribe(topic, c.cfg.QoS, c.dispatch)
	var err error
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		err = ErrSubscribeTimeout
	} else {
		err = tok.Error()
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subscribed, topic)
		c.mu.Unlock()
		c.log.Warn("rabbitmq: subscribe failed", "topic", topic, "error", err)
		return err
	}
	c.log.Info("rabbitmq: subscribed", "topic", topic, "qos", c.cfg.QoS)
	return nil
}

func (c *Client) registeredLocked(topic string) bool {
	for _, t := range c.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *Client) dispatch(_ mqtt.Client, m mqtt.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.log.Warn("rabbitmq: no handler set", "topic", m.Topic())
		return
	}
	h(m.Topic(), m.Payload())
}

// OnMessage sets the inbound sink.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnStateChange adds a listener called after every state transition.
func (c *Client) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Publish hands payload to the broker without waiting for delivery.
// Failures reported later by the broker are only logged.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed, mc, state := c.closed, c.mc, c.state
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if mc == nil || state != Connected {
		return ErrNotConnected
	}

	tok := mc.Publish(topic, c.cfg.QoS, false, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.log.Error("rabbitmq: publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == Connected }

// Close stops any connect loop and disconnects. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	mc := c.mc
	c.mc = nil
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if mc != nil {
		mc.Disconnect(250)
		c.log.Info("rabbitmq: connection closed")
	}
	notify()
	c.wg.Wait()
}

// setStateLocked must be called with c.mu held. The returned func fires the
// listeners and must be called after unlocking.
func (c *Client) setStateLocked(s ConnectionState) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	ls := append(([]func(ConnectionState))(nil), c.listeners...)
	return func() {
		for _, l := range ls {
			l(s)
		}
	}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}
