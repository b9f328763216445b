package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

// Live feed constants.
const (
	defaultEventsPath = "/ws/events"

	// wsSendBufferSize is the per-listener outbound frame buffer.
	wsSendBufferSize = 256

	// wsKeepalive is sent as a text frame after a quiet interval.
	wsKeepalive       = "ping"
	wsDefaultIdlePing = 30 * time.Second
	wsWriteWait       = 10 * time.Second

	eventRelayRetry = 5 * time.Second
)

var (
	errListenerClosed     = errors.New("live feed listener closed")
	errListenerBacklogged = errors.New("live feed listener backlogged")
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// wsListener adapts a websocket connection to livefeed.Listener. Frames are
// queued; a listener that falls a full buffer behind is dropped by the hub.
type wsListener struct {
	conn  *websocket.Conn
	send  chan []byte
	heard chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWSListener(conn *websocket.Conn) *wsListener {
	return &wsListener{
		conn:  conn,
		send:  make(chan []byte, wsSendBufferSize),
		heard: make(chan struct{}, 1),
	}
}

// Send queues data without blocking.
func (l *wsListener) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errListenerClosed
	}
	select {
	case l.send <- data:
		return nil
	default:
		return errListenerBacklogged
	}
}

// close stops the write pump. Safe to call more than once.
func (l *wsListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.send)
	}
}

// handleEvents upgrades to a websocket and registers it with the live feed hub.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	l := newWSListener(conn)
	s.hub.Connect(l)

	idle := time.Duration(s.wsCfg.PingInterval) * time.Second
	if idle <= 0 {
		idle = wsDefaultIdlePing
	}
	go l.writePump(idle, s.logger)
	go func() {
		l.readPump(int64(s.wsCfg.MaxMessageSize), s.logger)
		s.hub.Disconnect(l)
		l.close()
	}()
}

// readPump discards inbound frames, noting each one so the keepalive timer
// restarts. It returns when the connection fails or closes.
func (l *wsListener) readPump(limit int64, logger *logging.Logger) {
	defer l.conn.Close()
	if limit > 0 {
		l.conn.SetReadLimit(limit)
	}
	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}
		select {
		case l.heard <- struct{}{}:
		default:
		}
	}
}

// writePump delivers queued frames and sends a keepalive after idle without
// any inbound frame.
func (l *wsListener) writePump(idle time.Duration, logger *logging.Logger) {
	timer := time.NewTimer(idle)
	defer func() {
		timer.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case data, ok := <-l.send:
			if !ok {
				//nolint:errcheck // Best-effort close frame
				l.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := l.write(data); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-l.heard:
			timer.Reset(idle)
		case <-timer.C:
			if err := l.write([]byte(wsKeepalive)); err != nil {
				return
			}
			timer.Reset(idle)
		}
	}
}

func (l *wsListener) write(data []byte) error {
	//nolint:errcheck // a failed deadline surfaces on the write
	l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// relayDeviceEvents subscribes to every device event channel, retrying until
// the broker accepts the subscription or ctx ends.
func (s *Server) relayDeviceEvents(ctx context.Context) {
	topic := mqtt.Topics{}.AllEvents()
	for {
		err := s.mqtt.EnsureSubscribed(topic, deviceQoS, s.handleDeviceEvent)
		if err == nil {
			s.logger.Info("relaying device events to live feed", "topic", topic)
			return
		}
		s.logger.Warn("device event subscription failed, retrying",
			"topic", topic, "retry_in", eventRelayRetry.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(eventRelayRetry):
		}
	}
}

// handleDeviceEvent forwards a device event to every live listener as is.
// Payloads that are not JSON are dropped.
func (s *Server) handleDeviceEvent(topic string, payload []byte) error {
	if !json.Valid(payload) {
		s.logger.Debug("dropping non-JSON device event", "topic", topic)
		return nil
	}
	n := s.hub.BroadcastRaw(payload)
	s.logger.Debug("device event relayed", "topic", topic, "listeners", n)
	return nil
}
