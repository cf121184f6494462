// Package logging provides structured logging for Gray Logic Trigger.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same default fields (service, version) and level rules.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("rule fired", "rule_id", id)
//
// # Security
//
// Never log the hub access token or inference API keys in full:
//
//	logger.Info("hub configured", "token", logging.Redact(token))
package logging
