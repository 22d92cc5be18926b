package siren

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Logger is the logging interface the siren package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// StepOutcome is the result of one command on one device.
type StepOutcome struct {
	Device     DeviceID `json:"device"`
	OK         bool     `json:"ok"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Group fans a single command out to many sirens concurrently.
//
// Thread Safety: Apply is safe for concurrent use; the sink is responsible
// for any connection-level synchronisation.
type Group struct {
	sink   CommandSink
	logger Logger
}

// NewGroup creates a Group publishing through sink. logger may be nil.
func NewGroup(sink CommandSink, logger Logger) *Group {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Group{sink: sink, logger: logger}
}

// Apply sends cmd to every device and returns once each has an outcome.
//
// Every device gets its own goroutine; a slow or failing device never
// delays or aborts its siblings. Duplicate IDs are sent once. An invalid
// command is sent to nobody and recorded as a failure for every device.
func (g *Group) Apply(ctx context.Context, devices []DeviceID, cmd Command) map[DeviceID]StepOutcome {
	targets := Dedupe(devices)
	outcomes := make(map[DeviceID]StepOutcome, len(targets))

	if err := cmd.Validate(); err != nil {
		for _, d := range targets {
			outcomes[d] = StepOutcome{Device: d, Error: err.Error()}
		}
		return outcomes
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, device := range targets {
		wg.Add(1)
		go func(d DeviceID) {
			defer wg.Done()

			start := time.Now()
			err := g.publish(ctx, d, cmd)
			outcome := StepOutcome{
				Device:     d,
				OK:         err == nil,
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				outcome.Error = err.Error()
				g.logger.Warn("siren command failed",
					"device", d,
					"command", cmd.String(),
					"error", err,
				)
			} else {
				g.logger.Debug("siren command published",
					"device", d,
					"command", cmd.String(),
				)
			}

			mu.Lock()
			outcomes[d] = outcome
			mu.Unlock()
		}(device)
	}

	wg.Wait()
	return outcomes
}

// publish calls the sink, turning a panic into an error for this device only.
func (g *Group) publish(ctx context.Context, device DeviceID, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}
	}()
	return g.sink.Publish(ctx, device, cmd)
}

// Dedupe returns devices with duplicates removed, preserving first-seen order.
func Dedupe(devices []DeviceID) []DeviceID {
	seen := make(map[DeviceID]struct{}, len(devices))
	out := make([]DeviceID, 0, len(devices))
	for _, d := range devices {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Failed returns the devices whose outcome was not OK, sorted.
func Failed(outcomes map[DeviceID]StepOutcome) []DeviceID {
	var out []DeviceID
	for d, o := range outcomes {
		if !o.OK {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}
