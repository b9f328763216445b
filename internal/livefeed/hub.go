package livefeed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
)

var listenersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "gymcore",
	Name:      "livefeed_listeners",
	Help:      "Live feed listeners currently connected.",
})

func init() { prometheus.MustRegister(listenersGauge) }

// Listener receives broadcast frames. Send must not block for long; an error
// removes the listener from the hub.
type Listener interface {
	Send(data []byte) error
}

// Hub is a set of live listeners. Safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	listeners map[Listener]struct{}
	logger    *logging.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		listeners: make(map[Listener]struct{}),
		logger:    logger.With("component", "livefeed"),
	}
}

// Connect registers l. Connecting the same listener twice is a no-op.
func (h *Hub) Connect(l Listener) {
	h.mu.Lock()
	if _, ok := h.listeners[l]; !ok {
		h.listeners[l] = struct{}{}
		listenersGauge.Inc()
	}
	n := len(h.listeners)
	h.mu.Unlock()
	h.logger.Debug("live feed listener connected", "listeners", n)
}

// Disconnect removes l. Unknown listeners are ignored.
func (h *Hub) Disconnect(l Listener) {
	if h.remove(l) {
		h.logger.Debug("live feed listener disconnected", "listeners", h.Count())
	}
}

func (h *Hub) remove(l Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[l]; !ok {
		return false
	}
	delete(h.listeners, l)
	listenersGauge.Dec()
	return true
}

// Count returns the number of registered listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Broadcast marshals v and sends it to every listener. It returns how many
// listeners accepted the frame.
func (h *Hub) Broadcast(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding live feed message: %w", err)
	}
	return h.BroadcastRaw(data), nil
}

// BroadcastRaw sends an already encoded frame to every listener.
func (h *Hub) BroadcastRaw(data []byte) int {
	h.mu.RLock()
	snapshot := make([]Listener, 0, len(h.listeners))
	for l := range h.listeners {
		snapshot = append(snapshot, l)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, l := range snapshot {
		if err := l.Send(data); err != nil {
			h.remove(l)
			h.logger.Debug("dropping live feed listener", "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
