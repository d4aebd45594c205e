package agentwire

// Events sent orchestrator -> agent.
const (
	EventPing           = "ping"
	EventRequestStatus  = "request_status"
	EventCommand        = "command"
	EventServerShutdown = "server:shutdown"
)

// Events sent agent -> orchestrator.
const (
	EventAuth            = "auth"
	EventPong            = "pong"
	EventStatus          = "status"
	EventCommandAck      = "command:ack"
	EventCommandResult   = "command:result"
	EventLogsResult      = "logs:result"
	EventLogStreamLine   = "logs:stream:line"
	EventLogStreamStatus = "logs:stream:status"
)

// Command actions.
const (
	ActionInstall             = "install"
	ActionConfigure           = "configure"
	ActionStart               = "start"
	ActionStop                = "stop"
	ActionRestart             = "restart"
	ActionUninstall           = "uninstall"
	ActionGetLogs             = "getLogs"
	ActionStreamLogs          = "streamLogs"
	ActionStopStreamLogs      = "stopStreamLogs"
	ActionMountStorage        = "mountStorage"
	ActionUnmountStorage      = "unmountStorage"
	ActionCheckMount          = "checkMount"
	ActionConfigureKeepalived = "configureKeepalived"
	ActionCheckKeepalived     = "checkKeepalived"
)

// Command result statuses.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Log stream statuses.
const (
	StreamStarted = "started"
	StreamStopped = "stopped"
	StreamError   = "error"
)

var validActions = map[string]bool{
	ActionInstall:             true,
	ActionConfigure:           true,
	ActionStart:               true,
	ActionStop:                true,
	ActionRestart:             true,
	ActionUninstall:           true,
	ActionGetLogs:             true,
	ActionStreamLogs:          true,
	ActionStopStreamLogs:      true,
	ActionMountStorage:        true,
	ActionUnmountStorage:      true,
	ActionCheckMount:          true,
	ActionConfigureKeepalived: true,
	ActionCheckKeepalived:     true,
}

// IsValidAction reports whether the action is part of the wire contract.
func IsValidAction(action string) bool {
	return validActions[action]
}
