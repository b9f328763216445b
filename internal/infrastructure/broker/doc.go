// Package broker runs an in-process MQTT broker (mochi-mqtt).
//
// Production sites point gymcore at their existing broker. The embedded
// broker exists for development, demos and tests, where it lets the backend
// and simulated devices share a bus without any external service:
//
//	b, err := broker.Start(cfg.MQTT.Embedded, log)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
package broker
