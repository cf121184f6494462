// Package mqtt provides MQTT client connectivity for the trigger service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The broker is the service's outbound event bus. Fired rules, dynamic
// executor progress and notifications are published here; MQTT actions
// publish their payloads here; operators can send reload and evaluate
// commands back in.
//
//	RuleEngine ──► graytrigger/trigger/{rule}/fired ──► Broker ──► consumers
//	Broker ──► graytrigger/command/# ──► RuleEngine
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
//	client.PublishJSON(mqtt.Topics{}.TriggerFired("rule-42"), event, false)
package mqtt
