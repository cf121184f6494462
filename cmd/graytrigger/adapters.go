package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

// jsonPublisher is the subset of the MQTT client the event sink uses.
type jsonPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// mqttEventSink publishes every firing on graytrigger/trigger/{rule_id}/fired.
type mqttEventSink struct {
	pub    jsonPublisher
	topics mqtt.Topics
	log    *logging.Logger
}

func newMQTTEventSink(pub jsonPublisher, log *logging.Logger) *mqttEventSink {
	return &mqttEventSink{pub: pub, log: log}
}

// RuleFired implements trigger.EventSink.
func (s *mqttEventSink) RuleFired(_ context.Context, ev trigger.FiredEvent) {
	if err := s.pub.PublishJSON(s.topics.TriggerFired(ev.RuleID), ev, false); err != nil {
		s.log.Warn("publishing rule firing failed", "rule_id", ev.RuleID, "error", err)
	}
}

// ruleEngine is the part of the engine driven by MQTT commands.
type ruleEngine interface {
	LoadRules(rules []trigger.Rule)
	EvaluateNow(ctx context.Context, ruleIDs []string) error
}

// hubConfigurer accepts a new hub endpoint and token at runtime.
type hubConfigurer interface {
	SetConfig(url, token string)
}

// hubConfigCommand is the payload of graytrigger/command/hub/config.
type hubConfigCommand struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// commandHandler serves graytrigger/command/#:
//
//	graytrigger/command/rules/reload        reload rules from the database
//	graytrigger/command/rules/{id}/evaluate evaluate one rule now
//	graytrigger/command/hub/config          replace the hub URL and token
type commandHandler struct {
	ctx      context.Context
	registry *trigger.Registry
	engine   ruleEngine
	hub      []hubConfigurer
	topics   mqtt.Topics
	log      *logging.Logger
}

// newCommandHandler builds the handler. Every hub configurer (the state
// mirror and the REST client) receives hub config commands.
func newCommandHandler(ctx context.Context, registry *trigger.Registry, engine ruleEngine, log *logging.Logger, hub ...hubConfigurer) *commandHandler {
	return &commandHandler{ctx: ctx, registry: registry, engine: engine, hub: hub, log: log}
}

// Handle is an mqtt.MessageHandler. Evaluations run in the background so
// the MQTT client's delivery goroutine is never held by a model call.
func (h *commandHandler) Handle(topic string, payload []byte) error {
	switch topic {
	case h.topics.CommandReload():
		if err := h.registry.RefreshCache(h.ctx); err != nil {
			return fmt.Errorf("reloading rules: %w", err)
		}
		rules, err := h.registry.ListRules(h.ctx)
		if err != nil {
			return fmt.Errorf("listing rules: %w", err)
		}
		h.engine.LoadRules(rules)
		h.log.Info("rules reloaded by command", "count", len(rules))
		return nil
	case h.topics.CommandHubConfig():
		return h.setHubConfig(payload)
	}

	ruleID, ok := h.topics.RuleIDFromCommand(topic)
	if !ok {
		return fmt.Errorf("unknown command topic %q", topic)
	}
	go func() {
		if err := h.engine.EvaluateNow(h.ctx, []string{ruleID}); err != nil {
			h.log.Warn("commanded evaluation failed", "rule_id", ruleID, "error", err)
		}
	}()
	return nil
}

func (h *commandHandler) setHubConfig(payload []byte) error {
	var cmd hubConfigCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding hub config: %w", err)
	}
	if cmd.URL == "" || cmd.Token == "" {
		return errors.New("hub config needs both url and token")
	}
	for _, c := range h.hub {
		c.SetConfig(cmd.URL, cmd.Token)
	}
	h.log.Info("hub configuration replaced by command", "url", cmd.URL)
	return nil
}
