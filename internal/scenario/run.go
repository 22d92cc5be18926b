package scenario

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// Run is one live execution of a scenario against a device set.
//
// The sequencing goroutine is the only writer of state and steps; readers
// take snapshots under mu.
type Run struct {
	id       RunID
	scenario Scenario
	devices  []siren.DeviceID
	started  time.Time

	// ctx is cancelled by Cancel. Commands run on a detached context so an
	// in-flight publish is bounded by the transport timeout, not cut short.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	ended           time.Time
	steps           []StepResult
	cancelRequested bool

	// indefinite is closed when the run reaches active_indefinite;
	// done when it reaches a terminal state.
	indefinite     chan struct{}
	indefiniteOnce sync.Once
	done           chan struct{}
}

func newRun(parent context.Context, sc Scenario, devices []siren.DeviceID) *Run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Run{
		id:         RunID(uuid.NewString()),
		scenario:   sc,
		devices:    devices,
		started:    time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		indefinite: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// requestCancel raises the cancellation signal. It reports false when the
// run is already terminal or a cancel was already requested.
func (r *Run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() || r.cancelRequested {
		return false
	}
	r.cancelRequested = true
	r.cancel()
	return true
}

func (r *Run) cancelled() bool {
	return r.ctx.Err() != nil
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	if s.IsTerminal() {
		r.ended = time.Now().UTC()
	}
	r.mu.Unlock()

	if s == StateActiveIndefinite {
		r.indefiniteOnce.Do(func() { close(r.indefinite) })
	}
}

// complete marks the run completed unless a cancel has been requested.
// A Cancel arriving later finds the run terminal.
func (r *Run) complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested {
		return false
	}
	r.state = StateCompleted
	r.ended = time.Now().UTC()
	return true
}

func (r *Run) record(res StepResult) {
	r.mu.Lock()
	r.steps = append(r.steps, res)
	r.mu.Unlock()
}

// overlaps reports whether any of devices is a target of this run.
func (r *Run) overlaps(devices map[siren.DeviceID]struct{}) bool {
	for _, d := range r.devices {
		if _, ok := devices[d]; ok {
			return true
		}
	}
	return false
}

// snapshot returns a deep copy of the run's report.
func (r *Run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		RunID:     r.id,
		Scenario:  r.scenario.Name,
		State:     r.state,
		Devices:   append([]siren.DeviceID(nil), r.devices...),
		StartedAt: r.started,
		Steps:     make([]StepResult, 0, len(r.steps)),
	}
	if !r.ended.IsZero() {
		ended := r.ended
		st.EndedAt = &ended
	}
	for _, res := range r.steps {
		st.Steps = append(st.Steps, res.clone())
		st.Failures += res.Failures()
	}
	return st
}

// wait sleeps for d or until the run is cancelled, returning the time
// actually waited and whether it was cut short.
func (r *Run) wait(d time.Duration) (time.Duration, bool) {
	start := time.Now()
	if d <= 0 {
		return 0, r.cancelled()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return time.Since(start), false
	case <-r.ctx.Done():
		return time.Since(start), true
	}
}
