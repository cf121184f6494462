package trigger

import (
	"context"
	"time"
)

// Telemetry receives engine measurements. Implementations must not block.
type Telemetry interface {
	EvaluationFinished(rule *Rule, results []ConditionResult, fired bool, elapsed time.Duration)
	ActionsDispatched(rule *Rule, res *ExecuteResult)
	DynamicFinished(rule *Rule, status LogStatus, elapsed time.Duration)
}

type noopTelemetry struct{}

func (noopTelemetry) EvaluationFinished(*Rule, []ConditionResult, bool, time.Duration) {}
func (noopTelemetry) ActionsDispatched(*Rule, *ExecuteResult)                          {}
func (noopTelemetry) DynamicFinished(*Rule, LogStatus, time.Duration)                  {}

// EventSink is told about every firing.
type EventSink interface {
	RuleFired(ctx context.Context, ev FiredEvent)
}

// EventSinks fans an event out to several sinks in order.
type EventSinks []EventSink

// RuleFired implements EventSink.
func (s EventSinks) RuleFired(ctx context.Context, ev FiredEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.RuleFired(ctx, ev)
		}
	}
}
