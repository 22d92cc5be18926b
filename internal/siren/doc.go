// Package siren models NEO NAS-AB02B2 siren commands and fans them out to
// many devices at once.
//
// A Command is one of two shapes, both flat JSON objects on the wire:
//
//	{"melody": 18, "volume": "medium"}   // configure
//	{"alarm": true}                      // trigger ({"alarm": false} stops)
//
// Group.Apply sends one Command to a set of devices through a CommandSink,
// one goroutine per device, and returns a per-device StepOutcome. A device's
// transport failure is recorded in its own outcome and never affects the
// others. MQTTSink is the production sink, publishing to
// <namespace>/<device>/set through the broker session.
package siren
