// Package scenario sequences siren commands into named scenarios.
//
// A Scenario is an ordered list of Steps. A Sequencer executes it as a Run:
// command steps fan out through a DeviceGroup, Wait steps suspend the run
// until their timer fires or the run is cancelled.
//
// State machine:
//
//	idle → configuring → armed_waiting → triggering → active_waiting → stopping → completed
//	                                          │
//	                                          └→ active_indefinite (no auto-stop)
//
//	any non-terminal ──Cancel──▶ cancelling ──Stop──▶ stopped
//
// Cancellation is observed at every Wait and after every command step.
// A cancelled run sends Stop to all its devices before it ends in stopped,
// unless the command it had just sent was itself a Stop.
//
// # Run policy
//
// At most one active run holds a device. A start that overlaps an active
// run is rejected (PolicyReject) or cancels the holder first
// (PolicyPreempt). EmergencyStop always preempts.
//
// # Usage
//
//	group := siren.NewGroup(siren.NewMQTTSink(mqttClient, "zigbee2mqtt", 1), log)
//	seq, err := scenario.NewSequencer(group, scenario.Catalog(cfg.Scenarios), opts)
//	if err != nil {
//	    return err
//	}
//	defer seq.Close(ctx)
//
//	id, err := seq.StartScenario(ctx, scenario.Doorbell, scenario.StartOptions{})
//	status, err := seq.Wait(ctx, id)
package scenario
