package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

// dialEvents connects a websocket client to the live feed and waits until
// the hub has registered it.
func dialEvents(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered with the hub")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readText(t *testing.T, conn *websocket.Conn, within time.Duration) string {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(within))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("frame type = %d, want text", typ)
	}
	return string(data)
}

func TestLiveFeed_RelaysDeviceEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialEvents(t, env)

	payload := `{"permitido":true,"mensaje":"¡Bienvenido, Ana!","nombre":"Ana"}`
	if err := env.srv.handleDeviceEvent("devices/norte/torniquete/event", []byte(payload)); err != nil {
		t.Fatalf("handleDeviceEvent: %v", err)
	}

	if got := readText(t, conn, 2*time.Second); got != payload {
		t.Errorf("frame = %s, want %s", got, payload)
	}
}

func TestLiveFeed_DropsNonJSONEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialEvents(t, env)

	//nolint:errcheck // handler never errors
	env.srv.handleDeviceEvent("devices/norte/torniquete/event", []byte("not json"))
	//nolint:errcheck // handler never errors
	env.srv.handleDeviceEvent("devices/norte/torniquete/event", []byte(`{"n":2}`))

	if got := readText(t, conn, 2*time.Second); got != `{"n":2}` {
		t.Errorf("first frame = %s, want the JSON event only", got)
	}
}

func TestLiveFeed_KeepaliveAfterSilence(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the keepalive interval")
	}
	env := newTestEnv(t)
	env.srv.wsCfg.PingInterval = 1
	conn := dialEvents(t, env)

	if got := readText(t, conn, 3*time.Second); got != "ping" {
		t.Errorf("frame = %q, want ping", got)
	}
}

func TestLiveFeed_DisconnectRemovesListener(t *testing.T) {
	env := newTestEnv(t)
	conn := dialEvents(t, env)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub still has %d listeners after close", env.srv.hub.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSListener_SendBackpressure(t *testing.T) {
	l := newWSListener(nil)
	for i := 0; i < wsSendBufferSize; i++ {
		if err := l.Send([]byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if err := l.Send([]byte("x")); !errors.Is(err, errListenerBacklogged) {
		t.Errorf("Send on full buffer = %v, want errListenerBacklogged", err)
	}

	l.close()
	l.close()
	if err := l.Send([]byte("x")); !errors.Is(err, errListenerClosed) {
		t.Errorf("Send after close = %v, want errListenerClosed", err)
	}
}

func TestRelayDeviceEvents_Subscribes(t *testing.T) {
	env := newTestEnv(t)
	env.srv.relayDeviceEvents(context.Background())

	if _, ok := env.bus.handlers[mqtt.Topics{}.AllEvents()]; !ok {
		t.Errorf("handlers = %v, want a subscription on devices/+/+/event", env.bus.handlers)
	}
}

func TestRelayDeviceEvents_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.bus.subErr = mqtt.ErrNotConnected

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.srv.relayDeviceEvents(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relayDeviceEvents did not return after cancel")
	}
}
