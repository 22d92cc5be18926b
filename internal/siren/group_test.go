package siren

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// recordingSink captures every publish and fails for configured devices.
type recordingSink struct {
	mu     sync.Mutex
	calls  map[DeviceID][]Command
	failOn map[DeviceID]error
	delay  map[DeviceID]time.Duration
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		calls:  make(map[DeviceID][]Command),
		failOn: make(map[DeviceID]error),
		delay:  make(map[DeviceID]time.Duration),
	}
}

func (s *recordingSink) Publish(_ context.Context, device DeviceID, cmd Command) error {
	s.mu.Lock()
	d := s.delay[device]
	s.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[device]; err != nil {
		return err
	}
	s.calls[device] = append(s.calls[device], cmd)
	return nil
}

func (s *recordingSink) commandsFor(device DeviceID) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.calls[device]...)
}

// stubPublisher records topic/payload pairs for MQTTSink tests.
type stubPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	qos      []byte
	retained []bool
	err      error
}

func (p *stubPublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, string(payload))
	p.qos = append(p.qos, qos)
	p.retained = append(p.retained, retained)
	return nil
}

// ─── Group Tests ────────────────────────────────────────────────────────────

func TestGroupApply_AllSucceed(t *testing.T) {
	sink := newRecordingSink()
	group := NewGroup(sink, nil)

	outcomes := group.Apply(context.Background(), []DeviceID{"a", "b", "c"}, Trigger())

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, d := range []DeviceID{"a", "b", "c"} {
		o := outcomes[d]
		if !o.OK || o.Error != "" || o.Device != d {
			t.Errorf("outcome[%s] = %+v, want OK", d, o)
		}
		if cmds := sink.commandsFor(d); len(cmds) != 1 || cmds[0] != Trigger() {
			t.Errorf("device %s received %v, want one trigger", d, cmds)
		}
	}
}

func TestGroupApply_FailureIsIsolated(t *testing.T) {
	sink := newRecordingSink()
	sink.failOn["b"] = errors.New("mqtt: publish failed")
	group := NewGroup(sink, nil)

	outcomes := group.Apply(context.Background(), []DeviceID{"a", "b", "c"}, Configure(18, VolumeMedium))

	if outcomes["b"].OK {
		t.Error("outcome[b].OK = true, want failure")
	}
	if outcomes["b"].Error != "mqtt: publish failed" {
		t.Errorf("outcome[b].Error = %q", outcomes["b"].Error)
	}
	for _, d := range []DeviceID{"a", "c"} {
		if !outcomes[d].OK {
			t.Errorf("outcome[%s] = %+v, want OK despite b failing", d, outcomes[d])
		}
	}
	if failed := Failed(outcomes); len(failed) != 1 || failed[0] != "b" {
		t.Errorf("Failed() = %v, want [b]", failed)
	}
}

func TestGroupApply_IsConcurrent(t *testing.T) {
	sink := newRecordingSink()
	for _, d := range []DeviceID{"a", "b", "c", "d"} {
		sink.delay[d] = 100 * time.Millisecond
	}
	group := NewGroup(sink, nil)

	start := time.Now()
	group.Apply(context.Background(), []DeviceID{"a", "b", "c", "d"}, Stop())
	elapsed := time.Since(start)

	// Sequential dispatch would take 400ms.
	if elapsed > 300*time.Millisecond {
		t.Errorf("Apply took %v, want concurrent fan-out", elapsed)
	}
}

func TestGroupApply_SlowDeviceDoesNotBlockOutcomes(t *testing.T) {
	var fastDone atomic.Bool
	release := make(chan struct{})
	sink := SinkFunc(func(_ context.Context, device DeviceID, _ Command) error {
		if device == "slow" {
			<-release
			return nil
		}
		fastDone.Store(true)
		return nil
	})
	group := NewGroup(sink, nil)

	done := make(chan map[DeviceID]StepOutcome)
	go func() { done <- group.Apply(context.Background(), []DeviceID{"slow", "fast"}, Trigger()) }()

	deadline := time.After(time.Second)
	for !fastDone.Load() {
		select {
		case <-deadline:
			t.Fatal("fast device never published while slow device was blocked")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	select {
	case <-done:
		t.Fatal("Apply returned before every device had an outcome")
	default:
	}

	close(release)
	outcomes := <-done
	if len(outcomes) != 2 {
		t.Errorf("expected 2 outcomes, got %d", len(outcomes))
	}
}

func TestGroupApply_PanicRecovered(t *testing.T) {
	sink := SinkFunc(func(_ context.Context, device DeviceID, _ Command) error {
		if device == "bad" {
			panic("boom")
		}
		return nil
	})
	group := NewGroup(sink, nil)

	outcomes := group.Apply(context.Background(), []DeviceID{"bad", "good"}, Stop())
	if outcomes["bad"].OK {
		t.Error("panicking device reported OK")
	}
	if !outcomes["good"].OK {
		t.Error("sibling of panicking device failed")
	}
}

func TestGroupApply_DedupesAndEmpty(t *testing.T) {
	sink := newRecordingSink()
	group := NewGroup(sink, nil)

	outcomes := group.Apply(context.Background(), []DeviceID{"a", "a", "b"}, Trigger())
	if len(outcomes) != 2 {
		t.Errorf("expected 2 outcomes, got %d", len(outcomes))
	}
	if n := len(sink.commandsFor("a")); n != 1 {
		t.Errorf("device a received %d commands, want 1", n)
	}

	if got := group.Apply(context.Background(), nil, Trigger()); len(got) != 0 {
		t.Errorf("Apply(nil) = %v, want empty", got)
	}
}

func TestGroupApply_InvalidCommandSendsNothing(t *testing.T) {
	sink := newRecordingSink()
	group := NewGroup(sink, nil)

	outcomes := group.Apply(context.Background(), []DeviceID{"a", "b"}, Configure(99, VolumeLow))
	for _, d := range []DeviceID{"a", "b"} {
		if outcomes[d].OK || outcomes[d].Error == "" {
			t.Errorf("outcome[%s] = %+v, want failure", d, outcomes[d])
		}
		if n := len(sink.commandsFor(d)); n != 0 {
			t.Errorf("device %s received %d commands, want 0", d, n)
		}
	}
}

// ─── MQTTSink Tests ─────────────────────────────────────────────────────────

func TestMQTTSink_Publish(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewMQTTSink(pub, "zigbee2mqtt", 1)

	if err := sink.Publish(context.Background(), "office_siren", Configure(6, VolumeHigh)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if pub.topics[0] != "zigbee2mqtt/office_siren/set" {
		t.Errorf("topic = %q", pub.topics[0])
	}
	if pub.payloads[0] != `{"melody":6,"volume":"high"}` {
		t.Errorf("payload = %s", pub.payloads[0])
	}
	if pub.qos[0] != 1 || pub.retained[0] {
		t.Errorf("qos/retained = %d/%v, want 1/false", pub.qos[0], pub.retained[0])
	}
}

func TestMQTTSink_Errors(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewMQTTSink(pub, "zigbee2mqtt", 1)
	ctx := context.Background()

	if err := sink.Publish(ctx, "hall/#", Stop()); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("wildcard device error = %v, want ErrInvalidDevice", err)
	}
	if err := sink.Publish(ctx, "", Stop()); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("empty device error = %v, want ErrInvalidDevice", err)
	}
	if err := sink.Publish(ctx, "hall", Command{}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("invalid command error = %v, want ErrInvalidCommand", err)
	}
	if len(pub.topics) != 0 {
		t.Errorf("invalid input published %d messages", len(pub.topics))
	}

	transportErr := errors.New("mqtt: client not connected")
	pub.err = transportErr
	if err := sink.Publish(ctx, "hall", Stop()); !errors.Is(err, transportErr) {
		t.Errorf("transport error = %v, want wrapped %v", err, transportErr)
	}
}
