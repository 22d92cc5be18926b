// Package influxdb records sirend telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//
//   - siren_command: one point per device per command step
//   - scenario_run: one point per finished run
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteSirenCommand(influxdb.SirenCommand{
//	    RunID: id, Scenario: "doorbell", Step: "trigger", Device: "office_siren", OK: true,
//	})
//
// Writes are non-blocking and batched (batch_size, flush_interval). Async
// write failures are delivered to the SetOnError callback wrapped in
// ErrWriteFailed; HealthCheck distinguishes a closed client
// (ErrNotConnected) from an unreachable server (ErrUnhealthy).
package influxdb
