package scenario

import (
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// Catalog builds the built-in scenario table from configuration.
//
// Timed scenarios follow Configure, Wait(settle), Trigger, Wait(play), Stop.
// The security alarm has no trailing wait or Stop: it sounds until cancelled.
// Emergency stop is a single Stop.
func Catalog(cfg config.ScenariosConfig) []Scenario {
	return []Scenario{
		timed(Doorbell, "Doorbell chime", cfg.ConfigureDelay, cfg.Doorbell),
		{
			Name:        SecurityAlarm,
			Description: "Security alarm, sounds until stopped",
			Steps: []Step{
				ConfigureStep(cfg.SecurityAlarm.Melody, siren.Volume(cfg.SecurityAlarm.Volume)),
				WaitStep(cfg.ConfigureDelay),
				TriggerStep(),
			},
		},
		timed(GentleNotification, "Gentle notification", cfg.ConfigureDelay, cfg.GentleNotification),
		timed(ClockChime, "Clock chime", cfg.ConfigureDelay, cfg.ClockChime),
		{
			Name:        EmergencyStop,
			Description: "Silence every siren",
			Steps:       []Step{StopStep()},
		},
	}
}

func timed(name Name, desc string, settle time.Duration, tone config.TimedToneConfig) Scenario {
	return Scenario{
		Name:        name,
		Description: desc,
		Steps: []Step{
			ConfigureStep(tone.Melody, siren.Volume(tone.Volume)),
			WaitStep(settle),
			TriggerStep(),
			WaitStep(tone.Duration),
			StopStep(),
		},
	}
}
