package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by gymcore.
const (
	MeasurementAccess  = "access_decisions"
	MeasurementCommand = "device_commands"
)

// RecordDecision writes one access decision.
func (c *Client) RecordDecision(siteID int64, method, reason string, granted bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(decisionPoint(c.site, siteID, method, reason, granted, at))
}

// RecordCommand writes the outcome of one device command.
func (c *Client) RecordCommand(site, device, action, outcome string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(site, device, action, outcome, latency, time.Now()))
}

func decisionPoint(instance string, siteID int64, method, reason string, granted bool, at time.Time) *write.Point {
	return write.NewPoint(MeasurementAccess,
		map[string]string{
			"instance": instance,
			"sede":     strconv.FormatInt(siteID, 10),
			"method":   method,
			"reason":   reason,
		},
		map[string]any{
			"granted": granted,
			"count":   1,
		},
		at)
}

func commandPoint(site, device, action, outcome string, latency time.Duration, at time.Time) *write.Point {
	fields := map[string]any{"count": 1}
	if latency > 0 {
		fields["latency_ms"] = float64(latency.Microseconds()) / 1000
	}
	return write.NewPoint(MeasurementCommand,
		map[string]string{
			"sede":    site,
			"device":  device,
			"action":  action,
			"outcome": outcome,
		},
		fields,
		at)
}
