// Package logging provides structured logging for gymcore.
//
// It wraps log/slog and attaches the service name and build version to every
// record, so output from the access engine, the MQTT layer and the HTTP API
// can be filtered together.
//
// Usage:
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("access granted", "cliente_id", 42, "sede_id", 1)
package logging
