package scenario

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

func TestCatalogDefaults(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error = %v", err)
	}
	table := make(map[Name]Scenario)
	for _, sc := range Catalog(cfg.Scenarios) {
		table[sc.Name] = sc
	}

	tests := []struct {
		name  Name
		steps []Step
	}{
		{Doorbell, []Step{
			ConfigureStep(18, siren.VolumeMedium), WaitStep(3 * time.Second),
			TriggerStep(), WaitStep(5 * time.Second), StopStep(),
		}},
		{SecurityAlarm, []Step{
			ConfigureStep(6, siren.VolumeHigh), WaitStep(3 * time.Second), TriggerStep(),
		}},
		{GentleNotification, []Step{
			ConfigureStep(12, siren.VolumeLow), WaitStep(3 * time.Second),
			TriggerStep(), WaitStep(8 * time.Second), StopStep(),
		}},
		{ClockChime, []Step{
			ConfigureStep(15, siren.VolumeLow), WaitStep(3 * time.Second),
			TriggerStep(), WaitStep(6 * time.Second), StopStep(),
		}},
		{EmergencyStop, []Step{StopStep()}},
	}

	if len(table) != len(tests) {
		t.Fatalf("catalog has %d scenarios, want %d", len(table), len(tests))
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			sc, ok := table[tt.name]
			if !ok {
				t.Fatalf("scenario %s missing", tt.name)
			}
			if err := sc.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if len(sc.Steps) != len(tt.steps) {
				t.Fatalf("steps = %v, want %v", sc.Steps, tt.steps)
			}
			for i := range tt.steps {
				if sc.Steps[i] != tt.steps[i] {
					t.Errorf("step %d = %v, want %v", i, sc.Steps[i], tt.steps[i])
				}
			}
		})
	}

	if table[SecurityAlarm].Timed() || table[EmergencyStop].Timed() {
		t.Error("security_alarm and emergency_stop must not be timed")
	}
	if !table[Doorbell].Timed() {
		t.Error("doorbell should be timed")
	}
}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{"configure", ConfigureStep(1, siren.VolumeLow), false},
		{"wait", WaitStep(time.Second), false},
		{"zero wait", WaitStep(0), false},
		{"trigger", TriggerStep(), false},
		{"stop", StopStep(), false},
		{"negative wait", WaitStep(-time.Second), true},
		{"melody out of range", ConfigureStep(0, siren.VolumeLow), true},
		{"bad volume", ConfigureStep(3, "max"), true},
		{"unknown kind", Step{Kind: "blink"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidStep) {
				t.Errorf("Validate() error = %v, want ErrInvalidStep", err)
			}
		})
	}
}

func TestStepCommand(t *testing.T) {
	if cmd, ok := ConfigureStep(6, siren.VolumeHigh).Command(); !ok || cmd != siren.Configure(6, siren.VolumeHigh) {
		t.Errorf("configure Command() = %v, %v", cmd, ok)
	}
	if cmd, ok := TriggerStep().Command(); !ok || cmd != siren.Trigger() {
		t.Errorf("trigger Command() = %v, %v", cmd, ok)
	}
	if cmd, ok := StopStep().Command(); !ok || cmd != siren.Stop() {
		t.Errorf("stop Command() = %v, %v", cmd, ok)
	}
	if _, ok := WaitStep(time.Second).Command(); ok {
		t.Error("wait step should not produce a command")
	}
}

func TestStepJSON(t *testing.T) {
	data, err := json.Marshal([]Step{ConfigureStep(18, siren.VolumeMedium), WaitStep(3 * time.Second), StopStep()})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `[{"kind":"configure","melody":18,"volume":"medium"},{"kind":"wait","duration_ms":3000},{"kind":"stop"}]`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestDefinitionIsDeepCopy(t *testing.T) {
	sc := Scenario{
		Name:    "custom",
		Steps:   []Step{StopStep()},
		Devices: []siren.DeviceID{"hall"},
	}
	cp := sc.Definition()
	cp.Steps[0] = TriggerStep()
	cp.Devices[0] = "attic"

	if sc.Steps[0] != StopStep() || sc.Devices[0] != "hall" {
		t.Errorf("Definition() shares memory with the original: %+v", sc)
	}
}

func TestWithPlayDuration(t *testing.T) {
	cfg, _ := config.Default()
	var doorbell Scenario
	for _, sc := range Catalog(cfg.Scenarios) {
		if sc.Name == Doorbell {
			doorbell = sc
		}
	}

	longer, err := doorbell.WithPlayDuration(12 * time.Second)
	if err != nil {
		t.Fatalf("WithPlayDuration() error = %v", err)
	}
	if longer.Steps[3].Duration != 12*time.Second {
		t.Errorf("play wait = %v, want 12s", longer.Steps[3].Duration)
	}
	if longer.Steps[1].Duration != 3*time.Second {
		t.Errorf("settle wait changed to %v", longer.Steps[1].Duration)
	}
	if doorbell.Steps[3].Duration != 5*time.Second {
		t.Errorf("original modified: %v", doorbell.Steps[3].Duration)
	}

	if _, err := doorbell.WithPlayDuration(0); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration error = %v, want ErrInvalidDuration", err)
	}
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name string
		sc   Scenario
	}{
		{"empty name", Scenario{Steps: []Step{StopStep()}}},
		{"no steps", Scenario{Name: "x"}},
		{"bad step", Scenario{Name: "x", Steps: []Step{{Kind: "blink"}}}},
		{"bad device", Scenario{Name: "x", Steps: []Step{StopStep()}, Devices: []siren.DeviceID{"a/b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sc.Validate(); !errors.Is(err, ErrInvalidScenario) {
				t.Errorf("Validate() error = %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(
		config.SirensConfig{Devices: []string{"a", "b"}},
		config.SequencerConfig{RunPolicy: "preempt", HistoryLimit: 7, StopTimeout: time.Second},
	)
	if err != nil {
		t.Fatalf("OptionsFromConfig() error = %v", err)
	}
	if opts.Policy != PolicyPreempt || opts.HistoryLimit != 7 || opts.StopTimeout != time.Second {
		t.Errorf("OptionsFromConfig() = %+v", opts)
	}
	if len(opts.Devices) != 2 || opts.Devices[1] != "b" {
		t.Errorf("Devices = %v", opts.Devices)
	}

	if _, err := OptionsFromConfig(config.SirensConfig{}, config.SequencerConfig{RunPolicy: "queue"}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("bad policy error = %v, want ErrInvalidPolicy", err)
	}
}
