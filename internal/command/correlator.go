package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

const (
	// commandQoS is used for every command publish and ACK subscription.
	commandQoS = 1

	// DefaultTimeout applies when the caller has no preference.
	DefaultTimeout = 5 * time.Second

	// MaxTimeout is the longest a caller may block on one command.
	MaxTimeout = 60 * time.Second

	idPrefix = "c-"
	idLength = 8
)

// Bus is the part of the MQTT client the correlator uses.
type Bus interface {
	EnsureSubscribed(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any, qos byte, retained bool) error
}

// Recorder receives the outcome of every command. Optional.
type Recorder interface {
	RecordCommand(site, device, action, outcome string, latency time.Duration)
}

// pendingCommand is one command waiting for its ACK. done is buffered so the
// ACK handler never blocks.
type pendingCommand struct {
	done chan bool
}

// Correlator publishes commands and matches incoming ACKs to the callers
// waiting on them.
//
// The pending table is touched by caller goroutines (register, timeout) and
// by paho's message goroutines (ACK delivery); mu guards every access.
type Correlator struct {
	bus    Bus
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand

	maxTimeout time.Duration
	recorder   Recorder

	// Replaceable in tests.
	newID func() string
	now   func() time.Time
}

// NewCorrelator creates a Correlator over bus. maxTimeout <= 0 or above
// MaxTimeout is replaced by MaxTimeout.
func NewCorrelator(bus Bus, logger *logging.Logger, maxTimeout time.Duration) *Correlator {
	if maxTimeout <= 0 || maxTimeout > MaxTimeout {
		maxTimeout = MaxTimeout
	}
	return &Correlator{
		bus:        bus,
		logger:     logger.With("component", "command"),
		pending:    make(map[string]*pendingCommand),
		maxTimeout: maxTimeout,
		newID:      newCommandID,
		now:        time.Now,
	}
}

// SetRecorder attaches an outcome recorder.
func (c *Correlator) SetRecorder(r Recorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// newCommandID returns "c-" followed by 8 hex characters.
func newCommandID() string {
	return idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// ClampTimeout bounds a caller-supplied timeout to [0, max].
func (c *Correlator) ClampTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > c.maxTimeout {
		return c.maxTimeout
	}
	return d
}

// SendAndWaitAck publishes cmd to the device and waits for its ACK.
//
// Results:
//   - (ok, nil): the device acknowledged; ok is the device's own verdict.
//   - (false, nil): no ACK within timeout (or ctx ended first). This is an
//     expected outcome when a device is offline, not an error.
//   - (false, err): nothing could be sent. err wraps ErrAckUnavailable when
//     the ACK topic could not be subscribed, ErrTransport when the publish
//     failed.
//   - timeout == 0: fire-and-forget. No ACK is awaited and (true, nil) means
//     the publish succeeded.
//
// The ACK subscription is in place before the command is published, so a
// device that answers instantly is never missed.
func (c *Correlator) SendAndWaitAck(ctx context.Context, site, device string, cmd Command, timeout time.Duration) (bool, error) {
	if cmd.Action == "" {
		return false, ErrInvalidAction
	}
	cmdTopic, err := mqtt.Topics{}.Command(site, device)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	timeout = c.ClampTimeout(timeout)
	fireAndForget := timeout == 0

	var (
		id      string
		pending *pendingCommand
	)
	if fireAndForget {
		id = c.newID()
	} else {
		ackTopic, _ := mqtt.Topics{}.Ack(site, device) //nolint:errcheck // validated by Command above
		if err := c.bus.EnsureSubscribed(ackTopic, commandQoS, c.HandleMessage); err != nil {
			c.record(site, device, cmd.Action, outcomeTransport, 0)
			return false, fmt.Errorf("%w: %s: %w", ErrAckUnavailable, ackTopic, err)
		}
		id, pending = c.register()
		defer c.remove(id)
	}

	msg := cmd.Merge(id, c.now().Unix())
	sentAt := time.Now()
	if err := c.bus.PublishJSON(cmdTopic, msg, commandQoS, false); err != nil {
		c.logger.Warn("command publish failed",
			"id", id, "topic", cmdTopic, "action", cmd.Action, "error", err)
		c.record(site, device, cmd.Action, outcomeTransport, 0)
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if fireAndForget {
		c.logger.Debug("command sent without ack", "id", id, "topic", cmdTopic, "action", cmd.Action)
		c.record(site, device, cmd.Action, outcomeSent, 0)
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-pending.done:
		return c.acked(id, site, device, cmd.Action, ok, time.Since(sentAt)), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// An ACK that won the race against the timer is still honoured.
	c.remove(id)
	select {
	case ok := <-pending.done:
		return c.acked(id, site, device, cmd.Action, ok, time.Since(sentAt)), nil
	default:
	}

	c.logger.Info("command not acknowledged",
		"id", id, "topic", cmdTopic, "action", cmd.Action, "timeout", timeout.String())
	c.record(site, device, cmd.Action, outcomeTimeout, time.Since(sentAt))
	return false, nil
}

func (c *Correlator) acked(id, site, device, action string, ok bool, latency time.Duration) bool {
	ackLatency.Observe(latency.Seconds())
	outcome := outcomeAcked
	if !ok {
		outcome = outcomeRejected
	}
	c.logger.Debug("command acknowledged", "id", id, "ok", ok, "latency", latency.String())
	c.record(site, device, action, outcome, latency)
	return ok
}

// register inserts a pending entry under a fresh id. An id that is already
// in flight is never reused.
func (c *Correlator) register() (string, *pendingCommand) {
	p := &pendingCommand{done: make(chan bool, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := c.newID()
		if _, taken := c.pending[id]; taken {
			continue
		}
		c.pending[id] = p
		pendingGauge.Inc()
		return id, p
	}
}

// remove drops id from the pending table if it is still there.
func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pendingGauge.Dec()
	}
}

// Pending returns the number of commands awaiting an ACK.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleMessage is the MQTT handler for ACK topics.
//
// Messages on other topics, malformed JSON, a missing id or an id with no
// pending entry are dropped without error: late ACKs for commands that have
// already timed out are normal.
func (c *Correlator) HandleMessage(topic string, payload []byte) error {
	if !mqtt.IsAck(topic) {
		return nil
	}

	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.logger.Debug("dropping malformed ack", "topic", topic, "error", err)
		return nil
	}
	if ack.ID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[ack.ID]
	if !ok {
		c.logger.Debug("dropping ack for unknown command", "id", ack.ID, "topic", topic)
		return nil
	}
	// First ACK wins; QoS 1 duplicates find the entry gone.
	delete(c.pending, ack.ID)
	pendingGauge.Dec()
	p.done <- ack.OK
	return nil
}

func (c *Correlator) record(site, device, action, outcome string, latency time.Duration) {
	commandsTotal.WithLabelValues(action, outcome).Inc()

	c.mu.Lock()
	r := c.recorder
	c.mu.Unlock()
	if r != nil {
		r.RecordCommand(site, device, action, outcome, latency)
	}
}

// IsTransport reports whether err means the command never left the backend.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrAckUnavailable)
}
