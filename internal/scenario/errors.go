package scenario

import "errors"

// Domain errors for the scenario package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, scenario.ErrRunAlreadyActive) {
//	    // respond 409
//	}
var (
	// ErrUnknownScenario is returned when starting a scenario that does not exist.
	ErrUnknownScenario = errors.New("scenario: unknown scenario")

	// ErrRunAlreadyActive is returned when the target devices are held by
	// another run and the run policy is reject.
	ErrRunAlreadyActive = errors.New("scenario: run already active")

	// ErrNoActiveRun is returned when cancelling a run that has finished,
	// is already being cancelled, or was never started.
	ErrNoActiveRun = errors.New("scenario: no active run")

	// ErrRunNotFound is returned when a run ID is unknown or has aged out
	// of the history.
	ErrRunNotFound = errors.New("scenario: run not found")

	// ErrNoDevices is returned when a run would target no devices.
	ErrNoDevices = errors.New("scenario: no target devices")

	// ErrInvalidDuration is returned for a play duration override that is
	// not positive or targets a scenario with no timed play.
	ErrInvalidDuration = errors.New("scenario: invalid duration")

	// ErrInvalidScenario is returned when a scenario definition fails validation.
	ErrInvalidScenario = errors.New("scenario: invalid scenario")

	// ErrInvalidStep is returned when a step is not a valid variant.
	ErrInvalidStep = errors.New("scenario: invalid step")

	// ErrInvalidPolicy is returned when parsing an unknown run policy.
	ErrInvalidPolicy = errors.New("scenario: invalid run policy")

	// ErrClosed is returned when starting a run after Close.
	ErrClosed = errors.New("scenario: sequencer closed")
)
