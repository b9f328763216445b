package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/singleflight"

	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
)

// ConnState is the state of the single broker connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client owns the one long-lived connection between gymcore and the broker.
//
// It tracks every subscription made through EnsureSubscribed and re-issues
// them each time the connection comes back. Publishing waits briefly for the
// connection instead of failing the instant a reconnect is in progress.
//
// All methods are safe for concurrent use. paho delivers messages and
// connection callbacks on its own goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subscriptions map[string]subscription
	subMu         sync.Mutex
	subFlight     singleflight.Group

	stateMu sync.Mutex
	state   ConnState
	// ready is closed while the connection is up and replaced when it drops.
	ready   chan struct{}
	backoff time.Duration

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging surface the client needs.
// Satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
	// acked is set once the broker confirmed the subscription.
	acked bool
}

// MessageHandler is called for each message on a subscribed topic.
//
// Handlers run on paho goroutines and should return quickly. A returned
// error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Option configures a Client before it connects.
type Option func(*Client)

// WithLogger attaches a logger before the first connection attempt, so
// retries are visible.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Connect dials the broker, retrying with exponential backoff
// (reconnect.initial_delay growing by reconnect.multiplier up to
// reconnect.max_delay).
//
// maxRetries > 0 gives up after that many attempts with ErrConnectionFailed,
// which is what startup wants. maxRetries <= 0 keeps trying until ctx is
// cancelled, for supervised daemons.
func Connect(ctx context.Context, cfg config.MQTTConfig, maxRetries int, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	po := buildClientOptions(cfg)
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	po.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.setState(StateConnecting)
		if l := c.getLogger(); l != nil {
			l.Warn("mqtt reconnecting", "broker", cfg.Broker.Host)
		}
	})
	c.client = pahomqtt.NewClient(po)

	bo := newBackoff(cfg.Reconnect)
	for attempt := 1; ; attempt++ {
		c.setState(StateConnecting)

		err := c.attempt()
		if err == nil {
			c.markConnected()
			return c, nil
		}

		if maxRetries > 0 && attempt >= maxRetries {
			c.setState(StateDisconnected)
			return nil, fmt.Errorf("%w: %d attempts to %s:%d: %w",
				ErrConnectionFailed, attempt, cfg.Broker.Host, cfg.Broker.Port, err)
		}

		delay := bo.Next()
		c.setBackoff(delay)
		if l := c.getLogger(); l != nil {
			l.Warn("mqtt connect failed, retrying",
				"attempt", attempt,
				"retry_in", delay.String(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// attempt performs one connection attempt.
func (c *Client) attempt() error {
	token := c.client.Connect()
	if !token.WaitTimeout(attemptTimeout + time.Second) {
		return fmt.Errorf("timeout after %v", attemptTimeout)
	}
	return token.Error()
}

// handleConnect runs on every successful (re)connect.
func (c *Client) handleConnect() {
	c.markConnected()
	c.restoreSubscriptions()
	c.publishStatus("online", "")

	if l := c.getLogger(); l != nil {
		l.Info("mqtt connected", "broker", c.cfg.Broker.Host, "port", c.cfg.Broker.Port)
	}

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setState(StateDisconnected)

	if l := c.getLogger(); l != nil {
		l.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-issues every recorded subscription. Tokens are not
// awaited: this runs inside paho's on-connect callback.
func (c *Client) restoreSubscriptions() {
	c.subMu.Lock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subMu.Unlock()

	for _, sub := range subs {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

func (c *Client) publishStatus(status, reason string) {
	c.client.Publish(Topics{}.Status(c.cfg.Broker.ClientID), 1, true,
		statusPayload(c.cfg.Broker.ClientID, status, reason))
}

// markConnected sets StateConnected and releases WaitConnected callers.
func (c *Client) markConnected() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateConnected {
		c.state = StateConnected
		close(c.ready)
	}
	c.backoff = 0
}

// setState moves to a non-connected state, re-arming the ready channel.
func (c *Client) setState(s ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	c.state = s
}

func (c *Client) setBackoff(d time.Duration) {
	c.stateMu.Lock()
	c.backoff = d
	c.stateMu.Unlock()
}

func (c *Client) readyChan() chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.ready
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Backoff returns the delay before the next initial-connect attempt, or 0
// once connected.
func (c *Client) Backoff() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.backoff
}

// IsConnected reports whether the connection is currently open.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	return c.State() == StateConnected && c.client.IsConnectionOpen()
}

// WaitConnected blocks until the connection is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	select {
	case <-c.readyChan():
		return c.client.IsConnectionOpen()
	case <-ctx.Done():
		return false
	}
}

// WaitConnectedTimeout is WaitConnected bounded by d.
func (c *Client) WaitConnectedTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.WaitConnected(ctx)
}

// Close publishes a graceful offline status and disconnects. It never
// fails: errors during shutdown are irrelevant to the caller.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(Topics{}.Status(c.cfg.Broker.ClientID), 1, true,
			statusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setState(StateDisconnected)
	return nil
}

// HealthCheck returns ErrNotConnected unless the connection is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions have been restored.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger replaces the logger.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho with panic recovery.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
