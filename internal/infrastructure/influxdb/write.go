package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementEvaluation = "trigger_evaluation"
	measurementFiring     = "trigger_firing"
	measurementDynamic    = "trigger_dynamic"
)

// Evaluation describes one rule evaluation.
type Evaluation struct {
	RuleID   string
	RuleName string
	// Modality is "vision" or "text".
	Modality string
	Fired    bool
	Results  int
	Positive int
	Duration time.Duration
}

// Firing describes one action dispatch.
type Firing struct {
	RuleID      string
	ExecuteType string
	Actions     int
	Failed      int
	Notified    bool
}

// WriteEvaluation records a rule evaluation. The write is non-blocking;
// data is batched and sent asynchronously.
func (c *Client) WriteEvaluation(e Evaluation) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(evaluationPoint(e, time.Now()))
}

// WriteFiring records a dispatch of a fired rule's actions.
func (c *Client) WriteFiring(f Firing) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(firingPoint(f, time.Now()))
}

// WriteDynamicRun records the outcome of a dynamic executor.
//
// status is one of "done", "failed" or "timeout".
func (c *Client) WriteDynamicRun(ruleID, status string, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		measurementDynamic,
		map[string]string{"rule_id": ruleID, "status": status},
		map[string]interface{}{"duration_ms": elapsed.Milliseconds()},
		time.Now(),
	))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func evaluationPoint(e Evaluation, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementEvaluation,
		map[string]string{
			"rule_id":  e.RuleID,
			"modality": e.Modality,
		},
		map[string]interface{}{
			"rule_name":   e.RuleName,
			"fired":       e.Fired,
			"results":     e.Results,
			"positive":    e.Positive,
			"duration_ms": e.Duration.Milliseconds(),
		},
		ts,
	)
}

func firingPoint(f Firing, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementFiring,
		map[string]string{
			"rule_id":      f.RuleID,
			"execute_type": f.ExecuteType,
		},
		map[string]interface{}{
			"actions":  f.Actions,
			"failed":   f.Failed,
			"notified": f.Notified,
		},
		ts,
	)
}
