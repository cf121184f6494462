// Package action executes the actions bound to trigger rules.
//
// An Action names a client id and a tool. The Router looks up the
// Executor registered for the client id and runs the tool:
//
//	Router ──► "hub"          HubExecutor   (hub service call)
//	       ──► "mqtt"         MQTTExecutor  (JSON publish)
//	       ──► <mcp server>   MCPExecutor   (MCP tool call)
//
// Every failure is returned as an error wrapping ErrExecution; callers
// record it per action and carry on with the next one.
package action
