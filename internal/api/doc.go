// Package api implements the operations HTTP API and WebSocket feed for
// Gray Logic Trigger.
//
// This package provides:
//   - REST endpoints for trigger rule CRUD and evaluation logs
//   - On-demand evaluation of a rule outside the change stream
//   - Engine status and a Prometheus scrape endpoint
//   - A WebSocket hub that relays rule firings as they happen
//
// # Architecture
//
// The server reads and writes rules through the trigger registry and keeps
// the running engine in step with every change. Firings reach WebSocket
// clients through the Hub, which the engine holds as an event sink.
//
// # Graceful Degradation
//
// The engine and the metrics handler are optional. Without an engine the
// rule endpoints still persist changes; they take effect on next start.
package api
