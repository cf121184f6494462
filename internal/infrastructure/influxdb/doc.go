// Package influxdb records rule evaluation telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring.
//
// # Measurements
//
//   - trigger_evaluation: one point per evaluated rule (tags rule_id, modality)
//   - trigger_firing: one point per action dispatch (tags rule_id, execute_type)
//   - trigger_dynamic: one point per dynamic executor run (tags rule_id, status)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteEvaluation(influxdb.Evaluation{RuleID: "rule-1", Fired: true})
//
// # Error Handling
//
// Write errors arrive asynchronously through SetOnError. Connection and
// health check errors are returned directly.
package influxdb
