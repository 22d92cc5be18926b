package scenario

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// Name identifies a built-in scenario.
type Name string

// Built-in scenarios.
const (
	Doorbell           Name = "doorbell"
	SecurityAlarm      Name = "security_alarm"
	GentleNotification Name = "gentle_notification"
	ClockChime         Name = "clock_chime"
	EmergencyStop      Name = "emergency_stop"
)

// StepKind tags the Step variant.
type StepKind string

// Step kinds.
const (
	StepConfigure StepKind = "configure"
	StepWait      StepKind = "wait"
	StepTrigger   StepKind = "trigger"
	StepStop      StepKind = "stop"
)

// Step is one entry of a scenario: Configure(melody, volume), Wait(d),
// Trigger or Stop. Only the fields of its Kind are set.
type Step struct {
	Kind     StepKind
	Melody   int
	Volume   siren.Volume
	Duration time.Duration
}

// ConfigureStep selects melody and volume on every target.
func ConfigureStep(melody int, volume siren.Volume) Step {
	return Step{Kind: StepConfigure, Melody: melody, Volume: volume}
}

// WaitStep pauses the run for d, or until the run is cancelled.
func WaitStep(d time.Duration) Step {
	return Step{Kind: StepWait, Duration: d}
}

// TriggerStep starts the sirens.
func TriggerStep() Step {
	return Step{Kind: StepTrigger}
}

// StopStep silences the sirens.
func StopStep() Step {
	return Step{Kind: StepStop}
}

// Command returns the siren command a step sends. Wait steps send nothing
// and report false.
func (s Step) Command() (siren.Command, bool) {
	switch s.Kind {
	case StepConfigure:
		return siren.Configure(s.Melody, s.Volume), true
	case StepTrigger:
		return siren.Trigger(), true
	case StepStop:
		return siren.Stop(), true
	}
	return siren.Command{}, false
}

// Validate checks that the step is a well-formed member of its variant.
func (s Step) Validate() error {
	switch s.Kind {
	case StepWait:
		if s.Duration < 0 {
			return fmt.Errorf("%w: negative wait %v", ErrInvalidStep, s.Duration)
		}
		return nil
	case StepConfigure, StepTrigger, StepStop:
		cmd, _ := s.Command()
		if err := cmd.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidStep, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidStep, s.Kind)
}

func (s Step) String() string {
	switch s.Kind {
	case StepConfigure:
		return fmt.Sprintf("configure(%d,%s)", s.Melody, s.Volume)
	case StepWait:
		return fmt.Sprintf("wait(%v)", s.Duration)
	}
	return string(s.Kind)
}

type stepJSON struct {
	Kind       StepKind     `json:"kind"`
	Melody     int          `json:"melody,omitempty"`
	Volume     siren.Volume `json:"volume,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// MarshalJSON renders durations in milliseconds.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{
		Kind:       s.Kind,
		Melody:     s.Melody,
		Volume:     s.Volume,
		DurationMS: s.Duration.Milliseconds(),
	})
}

// Scenario is an immutable, named sequence of steps.
//
// Devices optionally pins the scenario to a target set; when empty the
// sequencer's default devices are used.
type Scenario struct {
	Name        Name             `json:"name"`
	Description string           `json:"description"`
	Steps       []Step           `json:"steps"`
	Devices     []siren.DeviceID `json:"devices,omitempty"`
}

// Definition returns a deep copy that callers may modify freely.
func (s Scenario) Definition() Scenario {
	out := s
	out.Steps = append([]Step(nil), s.Steps...)
	if s.Devices != nil {
		out.Devices = append([]siren.DeviceID(nil), s.Devices...)
	}
	return out
}

// Validate checks the scenario's name and steps.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidScenario)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidScenario, s.Name)
	}
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("%w: %s step %d: %w", ErrInvalidScenario, s.Name, i, err)
		}
	}
	for _, d := range s.Devices {
		if err := siren.ValidateDevice(d); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidScenario, s.Name, err)
		}
	}
	return nil
}

// playWaitIndex returns the index of the Wait that follows the last
// Trigger, or -1 if the scenario has no timed play.
func (s Scenario) playWaitIndex() int {
	for i := len(s.Steps) - 1; i > 0; i-- {
		if s.Steps[i].Kind == StepWait && s.Steps[i-1].Kind == StepTrigger {
			return i
		}
	}
	return -1
}

// Timed reports whether the scenario sounds for a fixed play duration
// and then stops on its own.
func (s Scenario) Timed() bool {
	return s.playWaitIndex() >= 0
}

// WithPlayDuration returns a copy whose play duration is d.
func (s Scenario) WithPlayDuration(d time.Duration) (Scenario, error) {
	if d <= 0 {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidDuration, d)
	}
	idx := s.playWaitIndex()
	if idx < 0 {
		return Scenario{}, fmt.Errorf("%w: %s has no timed play", ErrInvalidDuration, s.Name)
	}
	out := s.Definition()
	out.Steps[idx].Duration = d
	return out, nil
}

// State is a run's position in the sequencing state machine.
type State string

// Run states.
const (
	StateIdle             State = "idle"
	StateConfiguring      State = "configuring"
	StateArmedWaiting     State = "armed_waiting"
	StateTriggering       State = "triggering"
	StateActiveWaiting    State = "active_waiting"
	StateStopping         State = "stopping"
	StateCompleted        State = "completed"
	StateCancelling       State = "cancelling"
	StateStopped          State = "stopped"
	StateActiveIndefinite State = "active_indefinite"
)

// IsTerminal reports whether the run has finished.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateStopped
}

// RunID identifies a run.
type RunID string

// StepResult records one executed step.
//
// Command steps carry per-device outcomes. Wait steps carry how long they
// actually waited and whether cancellation cut them short. A Forced step
// is the Stop issued on cancellation; it has Index -1.
type StepResult struct {
	Index       int                                  `json:"index"`
	Step        Step                                 `json:"step"`
	Forced      bool                                 `json:"forced,omitempty"`
	StartedAt   time.Time                            `json:"started_at"`
	ElapsedMS   int64                                `json:"elapsed_ms"`
	Interrupted bool                                 `json:"interrupted,omitempty"`
	Outcomes    map[siren.DeviceID]siren.StepOutcome `json:"outcomes,omitempty"`
}

// Failures counts the devices that failed this step.
func (r StepResult) Failures() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK {
			n++
		}
	}
	return n
}

func (r StepResult) clone() StepResult {
	out := r
	if r.Outcomes != nil {
		out.Outcomes = make(map[siren.DeviceID]siren.StepOutcome, len(r.Outcomes))
		for k, v := range r.Outcomes {
			out.Outcomes[k] = v
		}
	}
	return out
}

// Status is a point-in-time report of a run. It shares no memory with the run.
type Status struct {
	RunID     RunID            `json:"run_id"`
	Scenario  Name             `json:"scenario"`
	State     State            `json:"state"`
	Devices   []siren.DeviceID `json:"devices"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Steps     []StepResult     `json:"steps"`
	Failures  int              `json:"failures"`
}

// StateEvent is broadcast on every state transition.
type StateEvent struct {
	RunID    RunID     `json:"run_id"`
	Scenario Name      `json:"scenario"`
	State    State     `json:"state"`
	At       time.Time `json:"at"`
}
