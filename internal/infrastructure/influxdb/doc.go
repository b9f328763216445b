// Package influxdb records access decisions and device command outcomes as
// time-series points in InfluxDB v2.
//
// The component is optional: Connect returns ErrDisabled when the config
// section is off, and main then runs without it. Client satisfies both
// access.DecisionRecorder and command.Recorder.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time-series
//	}
//	engine := access.NewEngine(repo, log, access.WithDecisionRecorder(client))
//
// Writes never block the caller. Batch failures are reported through
// SetOnError.
package influxdb
