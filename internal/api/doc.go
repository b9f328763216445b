// Package api implements the HTTP and WebSocket surface of gymcore.
//
// This package provides:
//   - Access verification for turnstiles and the front desk
//   - Operator endpoints that send commands, state and config to devices
//   - LED colour storage and push
//   - The live event feed on /ws/events
//   - Health, Prometheus metrics and the command audit trail
//
// # Architecture
//
// Handlers sit between HTTP callers and the MQTT bus. Commands leave through
// the command correlator and wait at most their timeout for an ACK. Device
// events arrive on devices/+/+/event and are relayed to every live listener.
//
// # Security
//
// Operator routes require a bearer JWT signed with the configured secret.
// Tokens are issued elsewhere. Verification, health, metrics and the live
// feed are open so that gate hardware and kiosks can reach them.
//
// # Graceful Degradation
//
// The server runs without a connected broker. Access verification keeps
// working; device endpoints report ok:false or 502.
package api
