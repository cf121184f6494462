package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/mqtt"
)

// MQTTClientID is the client id of the MQTT publish executor.
const MQTTClientID = "mqtt"

// Publisher is the subset of the MQTT client used here.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTExecutor publishes the action input as JSON on
// graytrigger/action/mqtt/{tool}.
type MQTTExecutor struct {
	pub Publisher
	qos byte
}

// NewMQTTExecutor creates an executor publishing with the given QoS.
func NewMQTTExecutor(pub Publisher, qos byte) *MQTTExecutor {
	return &MQTTExecutor{pub: pub, qos: qos}
}

// Execute implements Executor.
func (m *MQTTExecutor) Execute(_ context.Context, toolName string, input map[string]any) (Result, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	topic := mqtt.Topics{}.Action(MQTTClientID, toolName)
	if err := m.pub.Publish(topic, payload, m.qos, false); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Output: topic}, nil
}

// MQTTNotifier publishes rule notifications on graytrigger/notify/{rule_id}.
type MQTTNotifier struct {
	pub Publisher
	qos byte
	now func() time.Time
}

// NewMQTTNotifier creates a notifier.
func NewMQTTNotifier(pub Publisher, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, qos: qos, now: time.Now}
}

type notificationMessage struct {
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name"`
	NotifyID  string `json:"notify_id"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notify implements Notifier.
func (m *MQTTNotifier) Notify(_ context.Context, ruleID, ruleName string, n Notification) (bool, error) {
	payload, err := json.Marshal(notificationMessage{
		RuleID:    ruleID,
		RuleName:  ruleName,
		NotifyID:  n.ID,
		Content:   n.Content,
		Timestamp: m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := m.pub.Publish(mqtt.Topics{}.Notification(ruleID), payload, m.qos, false); err != nil {
		return false, err
	}
	return true, nil
}
