// Package audit records operator actions against devices in the audit_logs
// table and lists them back, newest first.
package audit
