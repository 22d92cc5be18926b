package siren

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeviceID is the zigbee2mqtt friendly name of a siren.
type DeviceID string

// Volume is the siren output level.
type Volume string

// Supported volumes.
const (
	VolumeLow    Volume = "low"
	VolumeMedium Volume = "medium"
	VolumeHigh   Volume = "high"
)

// Valid reports whether v is one of the supported volumes.
func (v Volume) Valid() bool {
	switch v {
	case VolumeLow, VolumeMedium, VolumeHigh:
		return true
	}
	return false
}

// Melody range supported by the NEO NAS-AB02B2.
const (
	MinMelody = 1
	MaxMelody = 18
)

// CommandKind distinguishes the two command shapes.
type CommandKind string

const (
	// KindConfigure selects melody and volume: {"melody":n,"volume":"..."}.
	KindConfigure CommandKind = "configure"
	// KindAlarm starts or stops the siren: {"alarm":bool}.
	KindAlarm CommandKind = "alarm"
)

// Command is a single siren instruction. It is always exactly one of the
// two shapes; use Configure, Trigger or Stop to build one.
type Command struct {
	Kind   CommandKind
	Melody int
	Volume Volume
	Alarm  bool
}

// Configure builds a melody/volume command.
func Configure(melody int, volume Volume) Command {
	return Command{Kind: KindConfigure, Melody: melody, Volume: volume}
}

// Trigger builds {"alarm":true}.
func Trigger() Command {
	return Command{Kind: KindAlarm, Alarm: true}
}

// Stop builds {"alarm":false}.
func Stop() Command {
	return Command{Kind: KindAlarm, Alarm: false}
}

// IsStop reports whether c silences the siren.
func (c Command) IsStop() bool {
	return c.Kind == KindAlarm && !c.Alarm
}

// Validate checks that c is a well-formed command of a single shape.
func (c Command) Validate() error {
	switch c.Kind {
	case KindConfigure:
		if c.Alarm {
			return fmt.Errorf("%w: configure command carries alarm flag", ErrInvalidCommand)
		}
		if c.Melody < MinMelody || c.Melody > MaxMelody {
			return fmt.Errorf("%w: melody %d outside %d-%d", ErrInvalidCommand, c.Melody, MinMelody, MaxMelody)
		}
		if !c.Volume.Valid() {
			return fmt.Errorf("%w: unknown volume %q", ErrInvalidCommand, c.Volume)
		}
	case KindAlarm:
		if c.Melody != 0 || c.Volume != "" {
			return fmt.Errorf("%w: alarm command carries configure fields", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// String renders the command in its wire form for logs.
func (c Command) String() string {
	b, err := Encode(c)
	if err != nil {
		return "invalid(" + string(c.Kind) + ")"
	}
	return string(b)
}

// configurePayload and alarmPayload fix the wire keys of each shape.
type configurePayload struct {
	Melody int    `json:"melody"`
	Volume Volume `json:"volume"`
}

type alarmPayload struct {
	Alarm bool `json:"alarm"`
}

// Encode serialises c to the flat JSON object zigbee2mqtt expects.
func Encode(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Kind == KindConfigure {
		return json.Marshal(configurePayload{Melody: c.Melody, Volume: c.Volume})
	}
	return json.Marshal(alarmPayload{Alarm: c.Alarm})
}

// Decode parses a wire payload back into a Command.
//
// The object must contain exactly the keys of one shape: unknown keys,
// missing keys and mixed shapes are rejected.
func Decode(data []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	_, hasAlarm := raw["alarm"]
	_, hasMelody := raw["melody"]
	_, hasVolume := raw["volume"]

	var cmd Command
	switch {
	case hasAlarm && len(raw) == 1:
		var p alarmPayload
		if err := strictUnmarshal(data, &p); err != nil {
			return Command{}, err
		}
		cmd = Command{Kind: KindAlarm, Alarm: p.Alarm}
	case hasMelody && hasVolume && len(raw) == 2:
		var p configurePayload
		if err := strictUnmarshal(data, &p); err != nil {
			return Command{}, err
		}
		cmd = Configure(p.Melody, p.Volume)
	default:
		return Command{}, fmt.Errorf("%w: keys do not match a command shape", ErrInvalidPayload)
	}

	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// MarshalJSON renders the command in wire form so API responses and
// events show exactly what was sent.
func (c Command) MarshalJSON() ([]byte, error) {
	return Encode(c)
}

// UnmarshalJSON accepts the wire form.
func (c *Command) UnmarshalJSON(data []byte) error {
	cmd, err := Decode(data)
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}
