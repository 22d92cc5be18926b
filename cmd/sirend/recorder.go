package main

import (
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sirens/internal/scenario"
)

// telemetryWriter is the slice of *influxdb.Client the recorder uses.
type telemetryWriter interface {
	WriteSirenCommand(cmd influxdb.SirenCommand)
	WriteScenarioRun(run influxdb.ScenarioRun)
}

// influxRecorder adapts the InfluxDB client to scenario.MetricsRecorder.
// Writes are batched by the client and never block a run.
type influxRecorder struct {
	w telemetryWriter
}

// RecordStep writes one point per device outcome of a command step.
func (r *influxRecorder) RecordStep(run scenario.RunID, name scenario.Name, res scenario.StepResult) {
	for device, out := range res.Outcomes {
		r.w.WriteSirenCommand(influxdb.SirenCommand{
			RunID:    string(run),
			Scenario: string(name),
			Step:     string(res.Step.Kind),
			Device:   string(device),
			Forced:   res.Forced,
			OK:       out.OK,
			Latency:  time.Duration(out.DurationMS) * time.Millisecond,
			Time:     res.StartedAt,
		})
	}
}

// RecordRun writes a summary point for a finished run.
func (r *influxRecorder) RecordRun(st scenario.Status) {
	end := time.Now()
	if st.EndedAt != nil {
		end = *st.EndedAt
	}
	r.w.WriteScenarioRun(influxdb.ScenarioRun{
		RunID:    string(st.RunID),
		Scenario: string(st.Scenario),
		State:    string(st.State),
		Devices:  len(st.Devices),
		Failures: st.Failures,
		Duration: end.Sub(st.StartedAt),
		Time:     end,
	})
}
