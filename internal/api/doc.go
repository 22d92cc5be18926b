// Package api implements the HTTP REST API and WebSocket server for sirend.
//
// This package provides:
//   - REST endpoints to list scenarios, start and cancel runs, and read run status
//   - An emergency stop shortcut that silences every known siren
//   - A WebSocket hub relaying run state changes, for all runs or one
//   - Bearer JWT authorisation with ticket-based WebSocket auth
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/scenarios
//	POST /api/v1/scenarios/{name}/start   {"devices": [...], "duration_seconds": 5}
//	GET  /api/v1/runs
//	GET  /api/v1/runs/{id}
//	POST /api/v1/runs/{id}/cancel
//	POST /api/v1/emergency-stop
//	POST /api/v1/auth/ws-ticket
//	GET  /api/v1/ws?ticket=...&channels=scenario.state_changed,run:{id}
//
// WebSocket clients subscribe to scenario.state_changed for every run or
// run:{id} to follow one; the subscribe ack carries the run's current state.
//
// Starting a run answers 202 with the run ID as soon as the run is admitted;
// the run continues after the request completes.
//
// # Security
//
// When security.jwt.secret is set every route except /health requires a
// token: viewer may read, operator may also start, cancel and emergency stop.
// With no secret the API is open and logs a warning at start.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
