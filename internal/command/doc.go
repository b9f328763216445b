// Package command sends commands to gym devices and waits for their
// acknowledgements.
//
// A command is published on devices/{site}/{device}/cmd carrying a fresh id.
// The device answers on devices/{site}/{device}/cmd/ack with {"id", "ok"}.
// Correlator pairs the two, unblocking the caller when the ACK arrives or
// reporting "not acknowledged" when the timeout elapses first. A timeout of
// zero publishes without waiting, for devices that never acknowledge.
package command
