package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSirenCommand = "siren_command"
	MeasurementScenarioRun  = "scenario_run"
)

// SirenCommand is the result of one command step on one siren.
type SirenCommand struct {
	RunID    string
	Scenario string
	Step     string
	Device   string
	Forced   bool
	OK       bool
	Latency  time.Duration
	Time     time.Time
}

// ScenarioRun summarises a finished run.
type ScenarioRun struct {
	RunID    string
	Scenario string
	State    string
	Devices  int
	Failures int
	Duration time.Duration
	Time     time.Time
}

// WriteSirenCommand records one device outcome.
//
// Scenario, step, device and forced are tags; the run ID is a field to
// keep series cardinality bounded.
func (c *Client) WriteSirenCommand(cmd SirenCommand) {
	forced := "false"
	if cmd.Forced {
		forced = "true"
	}
	c.writePoint(write.NewPoint(
		MeasurementSirenCommand,
		map[string]string{
			"scenario": cmd.Scenario,
			"step":     cmd.Step,
			"device":   cmd.Device,
			"forced":   forced,
		},
		map[string]interface{}{
			"run_id":     cmd.RunID,
			"ok":         cmd.OK,
			"latency_ms": cmd.Latency.Milliseconds(),
		},
		timestampOrNow(cmd.Time),
	))
}

// WriteScenarioRun records a finished run.
func (c *Client) WriteScenarioRun(run ScenarioRun) {
	c.writePoint(write.NewPoint(
		MeasurementScenarioRun,
		map[string]string{
			"scenario": run.Scenario,
			"state":    run.State,
		},
		map[string]interface{}{
			"run_id":      run.RunID,
			"devices":     run.Devices,
			"failures":    run.Failures,
			"duration_ms": run.Duration.Milliseconds(),
		},
		timestampOrNow(run.Time),
	))
}

// writePoint queues p; points are dropped while disconnected.
func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
