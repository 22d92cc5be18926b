package mqtt

import "fmt"

// TopicStatus is where sirend publishes its retained online/offline status.
const TopicStatus = "sirend/status"

// DefaultNamespace is the zigbee2mqtt base topic.
const DefaultNamespace = "zigbee2mqtt"

// Topics provides builders for the zigbee2mqtt topics sirend talks to.
// The zero value uses DefaultNamespace.
//
//	topics := mqtt.Topics{Namespace: "zigbee2mqtt"}
//	topics.SirenSet("office_siren")
//	// Returns: "zigbee2mqtt/office_siren/set"
type Topics struct {
	Namespace string
}

func (t Topics) namespace() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}

// SirenSet returns the command topic for a single siren.
//
// Example: zigbee2mqtt/office_siren/set
func (t Topics) SirenSet(deviceID string) string {
	return fmt.Sprintf("%s/%s/set", t.namespace(), deviceID)
}

// Status returns the sirend status topic. It is namespace independent.
func (Topics) Status() string {
	return TopicStatus
}
