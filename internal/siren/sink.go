package siren

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/mqtt"
)

// CommandSink publishes one command to one siren.
//
// Implementations must be safe for concurrent use and report failures as
// errors; they must not panic past this boundary.
type CommandSink interface {
	Publish(ctx context.Context, device DeviceID, cmd Command) error
}

// SinkFunc adapts a function to CommandSink.
type SinkFunc func(ctx context.Context, device DeviceID, cmd Command) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, device DeviceID, cmd Command) error {
	return f(ctx, device, cmd)
}

// Publisher is the slice of the broker session MQTTSink needs.
// *mqtt.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink sends commands to zigbee2mqtt at <namespace>/<device>/set.
type MQTTSink struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
}

// NewMQTTSink creates a sink publishing under namespace with the given QoS.
func NewMQTTSink(pub Publisher, namespace string, qos byte) *MQTTSink {
	return &MQTTSink{
		pub:    pub,
		topics: mqtt.Topics{Namespace: namespace},
		qos:    qos,
	}
}

// Publish encodes cmd and publishes it as a non-retained message.
// Retaining a command would replay it to the siren after a bridge restart.
func (s *MQTTSink) Publish(ctx context.Context, device DeviceID, cmd Command) error {
	if err := ValidateDevice(device); err != nil {
		return err
	}
	payload, err := Encode(cmd)
	if err != nil {
		return err
	}
	topic := s.topics.SirenSet(string(device))
	if err := s.pub.Publish(ctx, topic, payload, s.qos, false); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}
	return nil
}

// ValidateDevice rejects names that cannot form a single topic level.
func ValidateDevice(device DeviceID) error {
	if device == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDevice)
	}
	if strings.ContainsAny(string(device), "/+#") {
		return fmt.Errorf("%w: %q contains a topic separator or wildcard", ErrInvalidDevice, device)
	}
	return nil
}
