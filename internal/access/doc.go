// Package access decides whether a gym member may enter.
//
// Engine.Verify walks a fixed sequence of checks (staff override, active
// membership, expiry, daily cap, punch-card sessions) and records exactly one
// attendance row per decision. A punch-card grant decrements the remaining
// sessions in the same transaction as the attendance insert.
//
// Each decision is then handed to a Notifier, which publishes it on the
// device event topic from a bounded worker pool so the HTTP response never
// waits on the bus.
package access
