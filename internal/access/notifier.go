package access

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

// notifyQoS is used for decision events.
const notifyQoS = 1

// Publisher is the part of the MQTT client the notifier uses.
type Publisher interface {
	PublishJSON(topic string, v any, qos byte, retained bool) error
}

// Notifier publishes decision notifications from a fixed pool of workers
// reading a bounded queue. Enqueue never blocks: when the queue is full the
// notification is dropped and counted.
type Notifier struct {
	pub     Publisher
	topic   string
	queue   chan Notification
	workers int
	logger  *logging.Logger

	running atomic.Bool
}

// NewNotifier creates a Notifier publishing on the event topic of
// site/device. queueSize and workers below 1 are raised to 1.
func NewNotifier(pub Publisher, site, device string, queueSize, workers int, logger *logging.Logger) (*Notifier, error) {
	topic, err := mqtt.Topics{}.Event(site, device)
	if err != nil {
		return nil, fmt.Errorf("notification topic: %w", err)
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Notifier{
		pub:     pub,
		topic:   topic,
		queue:   make(chan Notification, queueSize),
		workers: workers,
		logger:  logger.With("component", "access-notifier"),
	}, nil
}

// Topic returns the topic notifications are published on.
func (n *Notifier) Topic() string {
	return n.topic
}

// Enqueue hands a notification to the workers.
func (n *Notifier) Enqueue(note Notification) error {
	select {
	case n.queue <- note:
		return nil
	default:
		notificationsDropped.Inc()
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Notifications
// still queued at that point are published before Run returns.
func (n *Notifier) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrNotifierRunning
	}
	defer n.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for range n.workers {
		g.Go(func() error {
			n.work(gctx)
			return nil
		})
	}
	err := g.Wait()
	n.drain()
	return err
}

func (n *Notifier) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.queue:
			n.publish(note)
		}
	}
}

// drain publishes whatever is left without waiting for more.
func (n *Notifier) drain() {
	for {
		select {
		case note := <-n.queue:
			n.publish(note)
		default:
			return
		}
	}
}

func (n *Notifier) publish(note Notification) {
	if err := n.pub.PublishJSON(n.topic, note, notifyQoS, false); err != nil {
		notificationsFailed.Inc()
		n.logger.Warn("access notification publish failed",
			"topic", n.topic, "attendance_id", note.IDAsistencia, "error", err)
		return
	}
	n.logger.Debug("access notification published",
		"topic", n.topic, "attendance_id", note.IDAsistencia, "permitido", note.Permitido)
}
