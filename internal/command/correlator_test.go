package command

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gymcontrol/gymcore/internal/infrastructure/broker"
	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

// fakeBus records calls and lets a test play the device.
type fakeBus struct {
	mu         sync.Mutex
	calls      []string
	subscribed map[string]mqtt.MessageHandler
	published  []map[string]any
	subErr     error
	pubErr     error

	// onPublish runs after a successful publish, outside the lock.
	onPublish func(topic string, msg map[string]any)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subscribed: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) EnsureSubscribed(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "subscribe:"+topic)
	if b.subErr != nil {
		return b.subErr
	}
	b.subscribed[topic] = handler
	return nil
}

func (b *fakeBus) PublishJSON(topic string, v any, _ byte, _ bool) error {
	b.mu.Lock()
	b.calls = append(b.calls, "publish:"+topic)
	if b.pubErr != nil {
		b.mu.Unlock()
		return b.pubErr
	}
	msg, _ := v.(map[string]any)
	b.published = append(b.published, msg)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(topic, msg)
	}
	return nil
}

func (b *fakeBus) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) lastPublished() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return nil
	}
	return b.published[len(b.published)-1]
}

func ackPayload(t *testing.T, id string, ok bool) []byte {
	t.Helper()
	data, err := json.Marshal(Ack{ID: id, OK: ok})
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	return data
}

func newTestCorrelator(bus Bus) *Correlator {
	return NewCorrelator(bus, logging.Discard(), 0)
}

// respondWith makes the fake device answer every command with ok.
func respondWith(t *testing.T, c *Correlator, bus *fakeBus, ok bool) {
	bus.onPublish = func(topic string, msg map[string]any) {
		id, _ := msg[FieldID].(string)
		go c.HandleMessage(topic+"/ack", ackPayload(t, id, ok)) //nolint:errcheck // always nil
	}
}

func TestNewCommandID_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^c-[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for range 500 {
		id := newCommandID()
		if !pattern.MatchString(id) {
			t.Fatalf("newCommandID() = %q, want c- followed by 8 hex chars", id)
		}
		seen[id] = true
	}
	if len(seen) < 499 {
		t.Errorf("newCommandID() produced only %d distinct ids out of 500", len(seen))
	}
}

func TestRegister_SkipsIDInFlight(t *testing.T) {
	c := newTestCorrelator(newFakeBus())
	ids := []string{"c-aaaaaaaa", "c-aaaaaaaa", "c-bbbbbbbb"}
	c.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, _ := c.register()
	second, _ := c.register()
	defer c.remove(first)
	defer c.remove(second)

	if first != "c-aaaaaaaa" || second != "c-bbbbbbbb" {
		t.Errorf("register() ids = %q, %q; want c-aaaaaaaa, c-bbbbbbbb", first, second)
	}
	if c.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", c.Pending())
	}
}

func TestSendAndWaitAck_AckOK(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	respondWith(t, c, bus, true)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}
	if !ok {
		t.Error("SendAndWaitAck() = false, want true")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after ack, want 0", c.Pending())
	}
}

func TestSendAndWaitAck_AckRejected(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	respondWith(t, c, bus, false)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "enroll"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}
	if ok {
		t.Error("SendAndWaitAck() = true for ok=false ack, want false")
	}
}

func TestSendAndWaitAck_SubscribesBeforePublishing(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	respondWith(t, c, bus, true)

	if _, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, time.Second); err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}

	calls := bus.callLog()
	want := []string{
		"subscribe:devices/norte/lector1/cmd/ack",
		"publish:devices/norte/lector1/cmd",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestSendAndWaitAck_Timeout(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)

	start := time.Now()
	ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWaitAck() error = %v, want nil on timeout", err)
	}
	if ok {
		t.Error("SendAndWaitAck() = true on timeout, want false")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want at least the 50ms timeout", elapsed)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", c.Pending())
	}
}

func TestSendAndWaitAck_LateAckDropped(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)

	ok, _ := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, 20*time.Millisecond)
	if ok {
		t.Fatal("SendAndWaitAck() = true, want false on timeout")
	}

	id, _ := bus.lastPublished()[FieldID].(string)
	if err := c.HandleMessage("devices/norte/lector1/cmd/ack", ackPayload(t, id, true)); err != nil {
		t.Errorf("HandleMessage() error = %v, want nil for late ack", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, late ack must not revive the entry", c.Pending())
	}
}

func TestSendAndWaitAck_ContextCancelled(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	ok, err := c.SendAndWaitAck(ctx, "norte", "lector1", Command{Action: "open_door"}, 10*time.Second)
	if err != nil || ok {
		t.Errorf("SendAndWaitAck() = (%v, %v), want (false, nil)", ok, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("SendAndWaitAck() ignored context cancellation")
	}
}

func TestSendAndWaitAck_FireAndForget(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "led1", Command{Action: "set_led"}, 0)
	if err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}
	if !ok {
		t.Error("SendAndWaitAck() = false, want true once published")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, fire-and-forget must not register", c.Pending())
	}
	for _, call := range bus.callLog() {
		if call == "subscribe:devices/norte/led1/cmd/ack" {
			t.Error("fire-and-forget subscribed to the ack topic")
		}
	}
	if id, _ := bus.lastPublished()[FieldID].(string); id == "" {
		t.Error("fire-and-forget message has no id")
	}
}

func TestSendAndWaitAck_NegativeTimeoutIsFireAndForget(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "led1", Command{Action: "set_led"}, -time.Second)
	if err != nil || !ok {
		t.Errorf("SendAndWaitAck() = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestSendAndWaitAck_PublishFailure(t *testing.T) {
	bus := newFakeBus()
	bus.pubErr = mqtt.ErrNotConnected
	c := newTestCorrelator(bus)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, time.Second)
	if ok {
		t.Error("SendAndWaitAck() = true, want false")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("error = %v, want it to wrap mqtt.ErrNotConnected", err)
	}
	if !IsTransport(err) {
		t.Error("IsTransport() = false, want true")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after publish failure, want 0", c.Pending())
	}
}

func TestSendAndWaitAck_SubscribeFailure(t *testing.T) {
	bus := newFakeBus()
	bus.subErr = mqtt.ErrSubscribeFailed
	c := newTestCorrelator(bus)

	ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, time.Second)
	if ok {
		t.Error("SendAndWaitAck() = true, want false")
	}
	if !errors.Is(err, ErrAckUnavailable) {
		t.Errorf("error = %v, want ErrAckUnavailable", err)
	}
	for _, call := range bus.callLog() {
		if call == "publish:devices/norte/lector1/cmd" {
			t.Error("command published although ack subscription failed")
		}
	}
}

func TestSendAndWaitAck_Validation(t *testing.T) {
	c := newTestCorrelator(newFakeBus())
	ctx := context.Background()

	if _, err := c.SendAndWaitAck(ctx, "norte", "lector1", Command{}, time.Second); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("empty action error = %v, want ErrInvalidAction", err)
	}
	if _, err := c.SendAndWaitAck(ctx, "", "lector1", Command{Action: "x"}, time.Second); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty site error = %v, want ErrInvalidTarget", err)
	}
	if _, err := c.SendAndWaitAck(ctx, "norte", "", Command{Action: "x"}, time.Second); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty device error = %v, want ErrInvalidTarget", err)
	}
}

func TestClampTimeout(t *testing.T) {
	c := NewCorrelator(newFakeBus(), logging.Discard(), 30*time.Second)

	tests := []struct {
		in, want time.Duration
	}{
		{-time.Second, 0},
		{0, 0},
		{5 * time.Second, 5 * time.Second},
		{45 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := c.ClampTimeout(tt.in); got != tt.want {
			t.Errorf("ClampTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if got := NewCorrelator(newFakeBus(), logging.Discard(), time.Hour).ClampTimeout(2 * time.Hour); got != MaxTimeout {
		t.Errorf("max above ceiling: ClampTimeout = %v, want %v", got, MaxTimeout)
	}
}

func TestHandleMessage_IgnoresNoise(t *testing.T) {
	c := newTestCorrelator(newFakeBus())
	id, p := c.register()

	noise := []struct {
		topic   string
		payload []byte
	}{
		{"devices/norte/lector1/event", ackPayload(t, id, true)},
		{"devices/norte/lector1/cmd/ack", []byte("not json")},
		{"devices/norte/lector1/cmd/ack", []byte(`{"ok":true}`)},
		{"devices/norte/lector1/cmd/ack", ackPayload(t, "c-00000000", true)},
	}
	for _, n := range noise {
		if err := c.HandleMessage(n.topic, n.payload); err != nil {
			t.Errorf("HandleMessage(%q) error = %v, want nil", n.topic, err)
		}
	}

	select {
	case <-p.done:
		t.Fatal("noise resolved the pending command")
	default:
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}

	// Duplicate ACKs: the first resolves, the second finds nothing.
	c.HandleMessage("devices/norte/lector1/cmd/ack", ackPayload(t, id, true))  //nolint:errcheck // always nil
	c.HandleMessage("devices/norte/lector1/cmd/ack", ackPayload(t, id, false)) //nolint:errcheck // always nil
	if got := <-p.done; !got {
		t.Error("first ack ok=true was not delivered")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after ack, want 0", c.Pending())
	}
}

func TestSendAndWaitAck_MessageShape(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	cmd := Command{
		Action:    "enroll",
		ClienteID: Int64(42),
		IDHuella:  Int64(7),
		Payload:   map[string]any{"id": "spoofed", "action": "spoofed", "cliente_id": 1, "slot": 3},
	}
	if _, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", cmd, 0); err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}

	msg := bus.lastPublished()
	if msg[FieldAction] != "enroll" {
		t.Errorf("action = %v, want enroll", msg[FieldAction])
	}
	if id, _ := msg[FieldID].(string); id == "spoofed" {
		t.Error("payload overrode the correlation id")
	}
	if msg[FieldTS] != int64(1700000000) {
		t.Errorf("ts = %v, want 1700000000", msg[FieldTS])
	}
	if msg[FieldClienteID] != int64(42) || msg[FieldIDHuella] != int64(7) {
		t.Errorf("typed fields = %v/%v, want 42/7", msg[FieldClienteID], msg[FieldIDHuella])
	}
	if msg["slot"] != 3 {
		t.Errorf("slot = %v, want 3 carried from payload", msg["slot"])
	}
	if _, ok := cmd.Payload["ts"]; ok {
		t.Error("Merge mutated the caller's payload")
	}
}

type recordedOutcome struct {
	action, outcome string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedOutcome
}

func (r *fakeRecorder) RecordCommand(_, _, action, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedOutcome{action, outcome})
}

func TestSendAndWaitAck_RecordsOutcomes(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	rec := &fakeRecorder{}
	c.SetRecorder(rec)
	ctx := context.Background()

	c.SendAndWaitAck(ctx, "norte", "led1", Command{Action: "set_led"}, 0)                       //nolint:errcheck // outcome checked below
	c.SendAndWaitAck(ctx, "norte", "lector1", Command{Action: "open_door"}, 10*time.Millisecond) //nolint:errcheck // outcome checked below

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []recordedOutcome{{"set_led", outcomeSent}, {"open_door", outcomeTimeout}}
	if len(rec.seen) != len(want) {
		t.Fatalf("recorded %v, want %v", rec.seen, want)
	}
	for i := range want {
		if rec.seen[i] != want[i] {
			t.Errorf("recorded[%d] = %v, want %v", i, rec.seen[i], want[i])
		}
	}
}

func TestSendAndWaitAck_ConcurrentCommands(t *testing.T) {
	bus := newFakeBus()
	c := newTestCorrelator(bus)
	respondWith(t, c, bus, true)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.SendAndWaitAck(context.Background(), "norte", "lector1", Command{Action: "open_door"}, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- errors.New("command not acknowledged")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

// TestSendAndWaitAck_EndToEnd drives a real MQTT client against the embedded
// broker with a simulated device answering on the ack topic.
func TestSendAndWaitAck_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker round trip in short mode")
	}

	b, err := broker.Start(config.EmbeddedBrokerConfig{Enabled: true, Address: "127.0.0.1:0"}, logging.Discard())
	if err != nil {
		t.Fatalf("broker.Start() error = %v", err)
	}
	t.Cleanup(func() { b.Close() }) //nolint:errcheck // Test cleanup

	// The device refuses "enroll" and accepts everything else.
	err = b.Subscribe("devices/norte/lector1/cmd", func(_ string, payload []byte) {
		var msg map[string]any
		if json.Unmarshal(payload, &msg) != nil {
			return
		}
		ack, _ := json.Marshal(map[string]any{"id": msg["id"], "ok": msg["action"] != "enroll", "detail": "sim"})
		go b.Publish("devices/norte/lector1/cmd/ack", ack, false, 1) //nolint:errcheck // best effort
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mqtt.Connect(ctx, config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "127.0.0.1", Port: b.Port(), ClientID: "gymcore-correlator-test"},
		QoS:    1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 0.05, MaxDelay: 1, Multiplier: 1.7,
		},
		PublishWait: 1,
	}, 5, mqtt.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("mqtt.Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup

	c := NewCorrelator(client, logging.Discard(), 0)

	ok, err := c.SendAndWaitAck(ctx, "norte", "lector1", Command{Action: "open_door"}, 3*time.Second)
	if err != nil || !ok {
		t.Errorf("open_door = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = c.SendAndWaitAck(ctx, "norte", "lector1", Command{Action: "enroll", IDHuella: Int64(5)}, 3*time.Second)
	if err != nil || ok {
		t.Errorf("enroll = (%v, %v), want (false, nil)", ok, err)
	}
	// No device listens here.
	ok, err = c.SendAndWaitAck(ctx, "norte", "ghost", Command{Action: "open_door"}, 200*time.Millisecond)
	if err != nil || ok {
		t.Errorf("ghost device = (%v, %v), want (false, nil)", ok, err)
	}
}
