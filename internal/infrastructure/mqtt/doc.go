// Package mqtt provides the broker session sirend uses to command sirens.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Bounded, context-aware publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - zigbee2mqtt topic naming
//
// # Architecture
//
// sirend never talks to Zigbee directly. zigbee2mqtt bridges the radio
// network onto MQTT and accepts device commands on <namespace>/<device>/set.
//
//	sirend ↔ MQTT Broker ↔ zigbee2mqtt ↔ Zigbee sirens
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{Namespace: "zigbee2mqtt"}.SirenSet("office_siren")
//	err = client.Publish(ctx, topic, []byte(`{"alarm":false}`), 1, false)
package mqtt
