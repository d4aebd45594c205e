// Package events provides event subjects and utilities for the orchestrator
// event system. Subjects follow NATS dotted-token grammar; the colon-separated
// names used by the UI protocol map onto these one-to-one.
package events

// Event subjects for servers (agents).
const (
	ServerConnected    = "server.connected"
	ServerDisconnected = "server.disconnected"
	ServerStatus       = "server.status"
)

// Event subjects for deployments.
const (
	DeploymentStatus    = "deployment.status"
	DeploymentLogStatus = "deployment.log.status"
)

// Event subjects for commands.
const (
	CommandResult = "command.result"
)

// Source is the event source tag for everything published by this process.
const Source = "orchestrator"

// BuildServerSubject returns a per-server subject, e.g. server.status.srv-1.
func BuildServerSubject(base, serverID string) string {
	return base + "." + serverID
}
