package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
)

// maxPayloadSize caps outgoing messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload to topic.
//
// If the connection is down it waits up to mqtt.publish_wait for it to come
// back, then fails with ErrNotConnected rather than blocking the caller on a
// dead link. It never panics.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.awaitConnection() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishJSON encodes v as JSON and publishes it.
//
//	topic, _ := mqtt.Topics{}.State("pasto", "torniquete-1")
//	err := client.PublishJSON(topic, map[string]any{"online": true}, 1, true)
func (c *Client) PublishJSON(topic string, v any, qos byte, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	return c.Publish(topic, payload, qos, retained)
}

// awaitConnection returns true once connected, waiting at most publish_wait.
func (c *Client) awaitConnection() bool {
	if c.client == nil {
		return false
	}
	if c.IsConnected() {
		return true
	}
	wait := config.Seconds(float64(c.cfg.PublishWait))
	if wait <= 0 {
		wait = defaultPublishWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return c.WaitConnected(ctx)
}
