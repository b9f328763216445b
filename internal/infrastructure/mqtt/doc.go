// Package mqtt connects gymcore to the device bus.
//
// Access-control hardware (fingerprint readers, door relays, LED strips)
// talks to the backend through an MQTT broker using one topic tree:
//
//	devices/{site}/{device}/cmd       backend -> device commands
//	devices/{site}/{device}/cmd/ack   device  -> backend acknowledgements
//	devices/{site}/{device}/state     retained device state
//	devices/{site}/{device}/event     device and access events
//	devices/{site}/{device}/config    retained device configuration
//
// A single Client owns the connection. It reconnects on its own, restores
// subscriptions after each reconnect and exposes a readiness signal that
// publishers wait on briefly before giving up.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, cfg.MQTT.Reconnect.MaxAttempts, mqtt.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	ack, _ := mqtt.Topics{}.Ack("pasto", "torniquete-1")
//	err = client.EnsureSubscribed(ack, 1, func(topic string, payload []byte) error {
//	    return nil
//	})
//
// # Security
//
// Use TLS (mqtt.broker.tls) and broker credentials outside a lab network.
// Payloads are not encrypted beyond the transport.
package mqtt
