package mqtt

import (
	"fmt"
)

// EnsureSubscribed subscribes handler to topic once.
//
// A topic that is already subscribed is a no-op success and keeps its
// original handler. The topic is recorded so that it is re-subscribed after
// every reconnect. On failure nothing is recorded and the caller may retry.
//
// Topics may include MQTT wildcards (+, #).
func (c *Client) EnsureSubscribed(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if c.subscribed(topic) {
		return nil
	}

	// Callers racing on one topic share a single broker round trip.
	_, err, _ := c.subFlight.Do(topic, func() (any, error) {
		return nil, c.subscribe(topic, qos, handler)
	})
	return err
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	if c.subscribed(topic) {
		return nil
	}
	if !c.awaitConnection() {
		return ErrNotConnected
	}

	// Recorded before the SUBACK so a reconnect during the round trip
	// restores it.
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{
		topic:   topic,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.dropPending(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.dropPending(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.subMu.Lock()
	if sub, ok := c.subscriptions[topic]; ok {
		sub.acked = true
		c.subscriptions[topic] = sub
	}
	c.subMu.Unlock()
	return nil
}

// subscribed reports whether the broker has acknowledged topic.
func (c *Client) subscribed(topic string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub, ok := c.subscriptions[topic]
	return ok && sub.acked
}

func (c *Client) dropPending(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub, ok := c.subscriptions[topic]; ok && !sub.acked {
		delete(c.subscriptions, topic)
	}
}

// Unsubscribe removes topic from the subscription set and the broker.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: unsubscribe timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: unsubscribe: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of acknowledged subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	n := 0
	for _, sub := range c.subscriptions {
		if sub.acked {
			n++
		}
	}
	return n
}

// HasSubscription reports whether topic (exact string) is subscribed.
func (c *Client) HasSubscription(topic string) bool {
	return c.subscribed(topic)
}
