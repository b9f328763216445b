package broker

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
)

// ErrNotRunning is returned by inline operations on a closed broker.
var ErrNotRunning = errors.New("broker: not running")

// MessageFunc receives messages delivered to an inline subscription.
type MessageFunc func(topic string, payload []byte)

// Broker is an embedded MQTT broker with an inline client, so code in the
// same process can publish and subscribe without a network connection.
type Broker struct {
	server  *mqtt.Server
	addr    string
	nextSub atomic.Int32
	closed  atomic.Bool
}

// Start listens on cfg.Address and serves until Close. A port of 0 picks a
// free local port; Addr reports the one chosen.
func Start(cfg config.EmbeddedBrokerConfig, log *logging.Logger) (*Broker, error) {
	addr, err := resolveAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	server.Log = log.Logger.With("component", "broker")

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("adding auth hook: %w", err)
	}
	if err := server.AddHook(&clientLogHook{log: log}, nil); err != nil {
		return nil, fmt.Errorf("adding log hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "gymcore-tcp",
		Address: addr,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding listener on %s: %w", addr, err)
	}

	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("starting broker: %w", err)
	}

	log.Info("embedded MQTT broker listening", "address", addr)
	return &Broker{server: server, addr: addr}, nil
}

// Addr returns the host:port the broker listens on.
func (b *Broker) Addr() string {
	return b.addr
}

// Port returns the TCP port the broker listens on.
func (b *Broker) Port() int {
	_, port, err := net.SplitHostPort(b.addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

// Publish delivers a message from the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if b.closed.Load() {
		return ErrNotRunning
	}
	if err := b.server.Publish(topic, payload, retain, qos); err != nil {
		return fmt.Errorf("broker publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers fn for every message matching filter.
func (b *Broker) Subscribe(filter string, fn MessageFunc) error {
	if b.closed.Load() {
		return ErrNotRunning
	}
	id := int(b.nextSub.Add(1))
	err := b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, bytes.Clone(pk.Payload))
	})
	if err != nil {
		return fmt.Errorf("broker subscribe %s: %w", filter, err)
	}
	return nil
}

// ClientCount returns the number of connected network clients.
func (b *Broker) ClientCount() int {
	n := 0
	for _, cl := range b.server.Clients.GetAll() {
		if !cl.Net.Inline && !cl.Closed() {
			n++
		}
	}
	return n
}

// Close stops the broker and disconnects all clients.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.server.Close()
}

// resolveAddress replaces a zero port with a free one.
func resolveAddress(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", addr, err)
	}
	if port != "0" {
		return addr, nil
	}

	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("finding free port: %w", err)
	}
	resolved := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", fmt.Errorf("releasing probe listener: %w", err)
	}
	return resolved, nil
}

// clientLogHook logs device connects and disconnects at debug level.
type clientLogHook struct {
	mqtt.HookBase
	log *logging.Logger
}

func (h *clientLogHook) ID() string {
	return "gymcore-client-log"
}

func (h *clientLogHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *clientLogHook) OnConnect(cl *mqtt.Client, _ packets.Packet) error {
	h.log.Debug("mqtt client connected", "client_id", cl.ID, "remote", cl.Net.Remote)
	return nil
}

func (h *clientLogHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.log.Debug("mqtt client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}
