package scenario

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// DeviceGroup applies one command to many devices. *siren.Group satisfies it.
type DeviceGroup interface {
	Apply(ctx context.Context, devices []siren.DeviceID, cmd siren.Command) map[siren.DeviceID]siren.StepOutcome
}

// EventPublisher receives every run state transition, in order per run.
// *api.Hub satisfies it.
type EventPublisher interface {
	PublishState(ev StateEvent)
}

// MetricsRecorder receives the outcome of every command step and the
// final report of every run.
type MetricsRecorder interface {
	RecordStep(run RunID, scenario Name, result StepResult)
	RecordRun(status Status)
}

// Logger is the logging interface the sequencer needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventStateChanged names the StateEvent event type.
const EventStateChanged = "scenario.state_changed"

// Policy decides what happens when a new run targets devices held by an
// active run.
type Policy string

const (
	// PolicyReject fails the new run with ErrRunAlreadyActive.
	PolicyReject Policy = config.RunPolicyReject
	// PolicyPreempt cancels the overlapping runs and starts once their
	// Stop has been sent.
	PolicyPreempt Policy = config.RunPolicyPreempt
)

// ParsePolicy converts a configuration value to a Policy.
// The empty string selects PolicyReject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyPreempt:
		return PolicyPreempt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Defaults applied by NewSequencer.
const (
	defaultHistoryLimit = 100
	defaultStopTimeout  = 5 * time.Second
)

// Options configures a Sequencer. Zero values select defaults.
type Options struct {
	// Devices is the default target set for invocations that name none.
	Devices []siren.DeviceID

	Policy Policy

	// HistoryLimit is how many finished runs stay queryable.
	HistoryLimit int

	// StopTimeout bounds the forced Stop issued on cancellation.
	StopTimeout time.Duration

	Events  EventPublisher
	Metrics MetricsRecorder
	Logger  Logger
}

// OptionsFromConfig builds Options from the sirens and sequencer sections.
func OptionsFromConfig(sirens config.SirensConfig, seq config.SequencerConfig) (Options, error) {
	policy, err := ParsePolicy(seq.RunPolicy)
	if err != nil {
		return Options{}, err
	}
	devices := make([]siren.DeviceID, 0, len(sirens.Devices))
	for _, d := range sirens.Devices {
		devices = append(devices, siren.DeviceID(d))
	}
	return Options{
		Devices:      devices,
		Policy:       policy,
		HistoryLimit: seq.HistoryLimit,
		StopTimeout:  seq.StopTimeout,
	}, nil
}

// StartOptions tunes a single invocation.
type StartOptions struct {
	// Devices overrides the scenario's and the sequencer's default targets.
	Devices []siren.DeviceID

	// Duration overrides the play duration of a timed scenario.
	Duration time.Duration
}

// Sequencer executes scenarios as runs, one goroutine per run.
//
// At most one active run holds any given device. A run stays active until
// it is terminal; a security alarm in active_indefinite keeps its devices
// until cancelled.
//
// Thread Safety: all methods are safe for concurrent use.
type Sequencer struct {
	group       DeviceGroup
	scenarios   map[Name]Scenario
	order       []Name
	defaults    []siren.DeviceID
	policy      Policy
	historyMax  int
	stopTimeout time.Duration
	events      EventPublisher
	metrics     MetricsRecorder
	logger      Logger

	mu      sync.Mutex
	runs    map[RunID]*Run // active and retained finished runs
	active  map[RunID]*Run
	history []RunID // finished runs, oldest first
	closed  bool

	wg sync.WaitGroup
}

// NewSequencer creates a sequencer executing the given scenarios against group.
//
// Parameters:
//   - group: fan-out used for every command step
//   - scenarios: the scenario table, usually Catalog(cfg.Scenarios)
//   - opts: default devices, run policy, observers and logger
//
// Returns an error if a scenario is invalid or a name is duplicated.
func NewSequencer(group DeviceGroup, scenarios []Scenario, opts Options) (*Sequencer, error) {
	s := &Sequencer{
		group:       group,
		scenarios:   make(map[Name]Scenario, len(scenarios)),
		defaults:    siren.Dedupe(opts.Devices),
		policy:      opts.Policy,
		historyMax:  opts.HistoryLimit,
		stopTimeout: opts.StopTimeout,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		runs:        make(map[RunID]*Run),
		active:      make(map[RunID]*Run),
	}
	if s.policy == "" {
		s.policy = PolicyReject
	}
	if s.historyMax <= 0 {
		s.historyMax = defaultHistoryLimit
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = defaultStopTimeout
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}

	for _, d := range s.defaults {
		if err := siren.ValidateDevice(d); err != nil {
			return nil, fmt.Errorf("default devices: %w", err)
		}
	}
	for _, sc := range scenarios {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.scenarios[sc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidScenario, sc.Name)
		}
		s.scenarios[sc.Name] = sc.Definition()
		s.order = append(s.order, sc.Name)
	}
	return s, nil
}

// Scenarios returns copies of every scenario definition in table order.
func (s *Sequencer) Scenarios() []Scenario {
	out := make([]Scenario, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.scenarios[name].Definition())
	}
	return out
}

// StartScenario starts a run of the named scenario and returns its ID
// without waiting for any step.
//
// The run outlives ctx; only Cancel or Close stop it. Targets are, in
// order of precedence: opts.Devices, the scenario's own devices, the
// default devices. An emergency stop given no devices also targets every
// device held by an active run.
//
// Returns:
//   - ErrUnknownScenario if name is not in the table
//   - ErrRunAlreadyActive if a target is held by an active run under PolicyReject
//   - ErrNoDevices if the target set is empty
//   - ErrInvalidDuration for an unusable opts.Duration
//   - siren.ErrInvalidDevice for a malformed device name
//   - ErrClosed after Close
func (s *Sequencer) StartScenario(ctx context.Context, name Name, opts StartOptions) (RunID, error) {
	sc, ok := s.scenarios[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	if opts.Duration != 0 {
		var err error
		if sc, err = sc.WithPlayDuration(opts.Duration); err != nil {
			return "", err
		}
	}

	devices := siren.Dedupe(opts.Devices)
	if len(devices) == 0 {
		devices = siren.Dedupe(sc.Devices)
	}
	if len(devices) == 0 {
		devices = append([]siren.DeviceID(nil), s.defaults...)
	}
	for _, d := range devices {
		if err := siren.ValidateDevice(d); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}

	if name == EmergencyStop && len(opts.Devices) == 0 {
		for _, r := range s.active {
			devices = append(devices, r.devices...)
		}
		devices = siren.Dedupe(devices)
	}
	if len(devices) == 0 {
		s.mu.Unlock()
		return "", ErrNoDevices
	}

	targets := make(map[siren.DeviceID]struct{}, len(devices))
	for _, d := range devices {
		targets[d] = struct{}{}
	}
	var conflicts []*Run
	for _, r := range s.active {
		if r.overlaps(targets) {
			conflicts = append(conflicts, r)
		}
	}

	preempt := s.policy == PolicyPreempt || name == EmergencyStop
	if len(conflicts) > 0 && !preempt {
		s.mu.Unlock()
		ids := make([]string, 0, len(conflicts))
		for _, r := range conflicts {
			ids = append(ids, string(r.id))
		}
		return "", fmt.Errorf("%w: devices held by run %s", ErrRunAlreadyActive, strings.Join(ids, ", "))
	}

	run := newRun(ctx, sc, devices)
	s.runs[run.id] = run
	s.active[run.id] = run
	s.wg.Add(1)
	s.mu.Unlock()

	for _, r := range conflicts {
		if r.requestCancel() {
			s.logger.Info("scenario run preempted",
				"run_id", r.id,
				"scenario", r.scenario.Name,
				"by", run.id,
			)
		}
	}

	s.logger.Info("scenario run accepted",
		"run_id", run.id,
		"scenario", name,
		"devices", len(devices),
	)
	s.publishState(run, StateIdle)

	go s.execute(run, conflicts)
	return run.id, nil
}

// EmergencyStop silences every default device and every device held by an
// active run, preempting those runs.
func (s *Sequencer) EmergencyStop(ctx context.Context) (RunID, error) {
	return s.StartScenario(ctx, EmergencyStop, StartOptions{})
}

// Cancel raises the cancellation signal of an active run. The run aborts
// its current wait and sends Stop to all its devices.
//
// Cancelling a finished, already-cancelled or unknown run returns
// ErrNoActiveRun and has no effect.
func (s *Sequencer) Cancel(id RunID) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok || !r.requestCancel() {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, id)
	}
	s.logger.Info("scenario run cancel requested", "run_id", id, "scenario", r.scenario.Name)
	return nil
}

// Status returns a snapshot of a run.
func (s *Sequencer) Status(id RunID) (Status, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.snapshot(), nil
}

// Wait blocks until the run is terminal, or has settled in
// active_indefinite with no cancel pending, or ctx is done.
// It returns the run's status at that point.
func (s *Sequencer) Wait(ctx context.Context, id RunID) (Status, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	r.mu.Lock()
	cancelling := r.cancelRequested
	r.mu.Unlock()

	indefinite := r.indefinite
	if cancelling {
		indefinite = nil
	}

	select {
	case <-r.done:
	case <-indefinite:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	return r.snapshot(), nil
}

// ActiveRuns returns snapshots of every non-terminal run, oldest first.
func (s *Sequencer) ActiveRuns() []Status {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b Status) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Close rejects new runs, cancels every active run and waits for their
// Stop commands, or for ctx.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*Run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("sequencer closed", "cancelled_runs", len(runs))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

// execute drives a run through its steps. It is the run's only writer.
func (s *Sequencer) execute(r *Run, preempted []*Run) {
	defer s.wg.Done()

	// Devices are handed over only once the previous holder has sent Stop.
	for _, p := range preempted {
		<-p.done
	}

	var (
		lastCommand StepKind
		sounding    bool
	)

	for i, step := range r.scenario.Steps {
		if r.cancelled() {
			break
		}

		if step.Kind == StepWait {
			state := StateArmedWaiting
			if sounding {
				state = StateActiveWaiting
			}
			s.transition(r, state)

			started := time.Now().UTC()
			elapsed, interrupted := r.wait(step.Duration)
			r.record(StepResult{
				Index:       i,
				Step:        step,
				StartedAt:   started,
				ElapsedMS:   elapsed.Milliseconds(),
				Interrupted: interrupted,
			})
			continue
		}

		s.transition(r, commandState(step.Kind))
		s.runCommand(r, i, step, false)
		lastCommand = step.Kind
		sounding = step.Kind == StepTrigger
	}

	if !r.cancelled() && sounding {
		s.transition(r, StateActiveIndefinite)
		<-r.ctx.Done()
	}

	if r.complete() {
		s.retire(r)
		return
	}

	s.transition(r, StateCancelling)
	if lastCommand != StepStop {
		s.runCommand(r, -1, StopStep(), true)
	}
	r.setState(StateStopped)
	s.retire(r)
}

// runCommand applies a command step to every target and records it.
// The forced Stop gets a fresh context bounded by the stop timeout.
func (s *Sequencer) runCommand(r *Run, index int, step Step, forced bool) {
	cmd, _ := step.Command()

	ctx := context.WithoutCancel(r.ctx)
	if forced {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}

	started := time.Now().UTC()
	outcomes := s.group.Apply(ctx, r.devices, cmd)
	res := StepResult{
		Index:     index,
		Step:      step,
		Forced:    forced,
		StartedAt: started,
		ElapsedMS: time.Since(started).Milliseconds(),
		Outcomes:  outcomes,
	}
	r.record(res)

	if failed := siren.Failed(outcomes); len(failed) > 0 {
		s.logger.Warn("scenario step partially failed",
			"run_id", r.id,
			"scenario", r.scenario.Name,
			"step", step.String(),
			"failed", failed,
			"devices", len(r.devices),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordStep(r.id, r.scenario.Name, res.clone())
	}
}

func commandState(kind StepKind) State {
	switch kind {
	case StepConfigure:
		return StateConfiguring
	case StepTrigger:
		return StateTriggering
	}
	return StateStopping
}

func (s *Sequencer) transition(r *Run, state State) {
	r.setState(state)
	s.logger.Debug("scenario run state changed",
		"run_id", r.id,
		"scenario", r.scenario.Name,
		"state", state,
	)
	s.publishState(r, state)
}

// retire moves a terminal run to history and releases its devices before
// waking waiters.
func (s *Sequencer) retire(r *Run) {
	r.cancel()

	s.mu.Lock()
	delete(s.active, r.id)
	s.history = append(s.history, r.id)
	for len(s.history) > s.historyMax {
		delete(s.runs, s.history[0])
		s.history = s.history[1:]
	}
	s.mu.Unlock()

	close(r.done)

	st := r.snapshot()
	s.logger.Info("scenario run finished",
		"run_id", r.id,
		"scenario", r.scenario.Name,
		"state", st.State,
		"failures", st.Failures,
		"duration_ms", time.Since(r.started).Milliseconds(),
	)
	if s.metrics != nil {
		s.metrics.RecordRun(st)
	}
	s.publishState(r, st.State)
}

func (s *Sequencer) publishState(r *Run, state State) {
	if s.events == nil {
		return
	}
	s.events.PublishState(StateEvent{
		RunID:    r.id,
		Scenario: r.scenario.Name,
		State:    state,
		At:       time.Now().UTC(),
	})
}
