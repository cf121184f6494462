package mqtt

import "fmt"

// Topic prefixes for the trigger service.
//
// All topics share the flat scheme: graytrigger/{category}/{...}
const (
	// TopicPrefix is the root of every topic the service publishes or
	// subscribes to.
	TopicPrefix = "graytrigger"

	// TopicPrefixTrigger carries rule lifecycle events.
	TopicPrefixTrigger = "graytrigger/trigger"

	// TopicPrefixSystem carries service status.
	TopicPrefixSystem = "graytrigger/system"

	// TopicPrefixCommand carries inbound control messages.
	TopicPrefixCommand = "graytrigger/command"
)

// Topics provides builders for trigger service MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.TriggerFired("rule-42")
//	// Returns: "graytrigger/trigger/rule-42/fired"
type Topics struct{}

// TriggerFired returns the topic a rule's firing event is published on.
func (Topics) TriggerFired(ruleID string) string {
	return fmt.Sprintf("%s/%s/fired", TopicPrefixTrigger, ruleID)
}

// Notification returns the topic user notifications for a rule go to.
func (Topics) Notification(ruleID string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefix, ruleID)
}

// Action returns the topic an MQTT action for a client publishes on.
func (Topics) Action(clientID, toolName string) string {
	return fmt.Sprintf("%s/action/%s/%s", TopicPrefix, clientID, toolName)
}

// SystemStatus returns the retained online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// CommandReload returns the topic that asks the service to reload rules.
func (Topics) CommandReload() string {
	return TopicPrefixCommand + "/rules/reload"
}

// CommandEvaluate returns the topic that requests an immediate evaluation
// of one rule.
func (Topics) CommandEvaluate(ruleID string) string {
	return fmt.Sprintf("%s/rules/%s/evaluate", TopicPrefixCommand, ruleID)
}

// CommandHubConfig returns the topic that replaces the hub endpoint and
// token at runtime. The payload is {"url": "...", "token": "..."}.
func (Topics) CommandHubConfig() string {
	return TopicPrefixCommand + "/hub/config"
}

// AllCommands returns a wildcard for every inbound command.
func (Topics) AllCommands() string {
	return TopicPrefixCommand + "/#"
}

// RuleIDFromCommand extracts the rule id from an evaluate command topic.
// It returns false for any other topic.
func (Topics) RuleIDFromCommand(topic string) (string, bool) {
	const prefix = TopicPrefixCommand + "/rules/"
	const suffix = "/evaluate"
	if len(topic) <= len(prefix)+len(suffix) {
		return "", false
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return "", false
	}
	id := topic[len(prefix) : len(topic)-len(suffix)]
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return "", false
		}
	}
	return id, true
}
