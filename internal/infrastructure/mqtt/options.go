package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
)

const (
	// attemptTimeout bounds a single connection attempt.
	attemptTimeout = 5 * time.Second

	// defaultPublishTimeout bounds the wait for a publish or subscribe token.
	defaultPublishTimeout = 5 * time.Second

	// defaultPublishWait is used when the config leaves publish_wait at 0.
	defaultPublishWait = 3 * time.Second

	// defaultDisconnectQuiesce is how long Disconnect waits for in-flight work (ms).
	defaultDisconnectQuiesce = 500

	defaultKeepAlive = 30 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions maps the MQTT config section onto paho options.
//
// The initial connection is driven by Connect's own backoff loop, so paho's
// connect-retry is off. After the first successful connect paho's
// auto-reconnect takes over, capped at reconnect.max_delay.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(config.Seconds(cfg.Reconnect.MaxDelay))
	opts.SetConnectTimeout(attemptTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(false)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	willTopic := Topics{}.Status(cfg.Broker.ClientID)
	opts.SetWill(willTopic, string(statusPayload(cfg.Broker.ClientID, "offline", "unexpected_disconnect")), 1, true)

	return opts
}

// statusPayload renders the backend's retained status message.
func statusPayload(clientID, status, reason string) []byte {
	msg := map[string]any{
		"status":    status,
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		msg["reason"] = reason
	}
	b, _ := json.Marshal(msg) //nolint:errcheck // map of strings always encodes
	return b
}

// backoff produces the delays between initial connection attempts:
// initial, initial*m, initial*m², ... capped at max.
type backoff struct {
	next       time.Duration
	max        time.Duration
	multiplier float64
}

func newBackoff(cfg config.MQTTReconnectConfig) *backoff {
	initial := config.Seconds(cfg.InitialDelay)
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := config.Seconds(cfg.MaxDelay)
	if maxDelay < initial {
		maxDelay = initial
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	return &backoff{next: initial, max: maxDelay, multiplier: mult}
}

// Next returns the delay to wait now and advances the sequence.
func (b *backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.next = grown
	return d
}

// Peek returns the delay Next would return.
func (b *backoff) Peek() time.Duration {
	return b.next
}
