package agentwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentAuth is the first message an agent sends after the transport opens.
// Token is optional for the locally-trusted core server.
type AgentAuth struct {
	ServerID string `json:"serverId"`
	Token    string `json:"token,omitempty"`
}

// Validate checks the auth payload.
func (a *AgentAuth) Validate() error {
	if a.ServerID == "" {
		return errors.New("serverId is required")
	}
	return nil
}

// Command is an orchestrator -> agent instruction.
type Command struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	AppName string          `json:"appName,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the command shape.
func (c *Command) Validate() error {
	if c.ID == "" {
		return errors.New("command id is required")
	}
	if !IsValidAction(c.Action) {
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// ShutdownNotice is the advisory broadcast sent before the orchestrator stops.
type ShutdownNotice struct {
	Timestamp time.Time `json:"timestamp"`
}

// AppStatus is one application entry in a status report.
type AppStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusReport is the periodic agent -> orchestrator state snapshot.
type StatusReport struct {
	Timestamp   time.Time       `json:"timestamp"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	NetworkInfo json.RawMessage `json:"networkInfo,omitempty"`
	Apps        []AppStatus     `json:"apps"`
}

// Validate checks the status report shape.
func (s *StatusReport) Validate() error {
	for i, app := range s.Apps {
		if app.Name == "" {
			return fmt.Errorf("apps[%d]: name is required", i)
		}
	}
	return nil
}

// CommandAck acknowledges receipt of a command.
type CommandAck struct {
	CommandID  string    `json:"commandId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Validate checks the ack shape.
func (a *CommandAck) Validate() error {
	if a.CommandID == "" {
		return errors.New("commandId is required")
	}
	return nil
}

// CommandResult reports the terminal outcome of a command.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate checks the result shape.
func (r *CommandResult) Validate() error {
	if r.CommandID == "" {
		return errors.New("commandId is required")
	}
	if r.Status != ResultSuccess && r.Status != ResultError {
		return fmt.Errorf("invalid result status %q", r.Status)
	}
	return nil
}

// LogsResult carries a one-shot log fetch response.
type LogsResult struct {
	CommandID string   `json:"commandId"`
	Status    string   `json:"status"`
	Logs      []string `json:"logs"`
}

// Validate checks the logs result shape.
func (r *LogsResult) Validate() error {
	if r.CommandID == "" {
		return errors.New("commandId is required")
	}
	return nil
}

// LogStreamLine is a single streamed log line.
type LogStreamLine struct {
	StreamID  string    `json:"streamId"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the stream line shape.
func (l *LogStreamLine) Validate() error {
	if l.StreamID == "" {
		return errors.New("streamId is required")
	}
	return nil
}

// LogStreamStatus reports a state change of an agent-side log stream.
type LogStreamStatus struct {
	StreamID string `json:"streamId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// Validate checks the stream status shape.
func (l *LogStreamStatus) Validate() error {
	if l.StreamID == "" {
		return errors.New("streamId is required")
	}
	switch l.Status {
	case StreamStarted, StreamStopped, StreamError:
		return nil
	}
	return fmt.Errorf("invalid stream status %q", l.Status)
}

// StreamLogsRequest is the payload of a streamLogs command.
type StreamLogsRequest struct {
	ServiceName string `json:"serviceName"`
}

// GetLogsRequest is the payload of a getLogs command.
type GetLogsRequest struct {
	ServiceName string `json:"serviceName,omitempty"`
	Lines       int    `json:"lines,omitempty"`
	Since       string `json:"since,omitempty"`
}

// MountCredentials are decrypted just-in-time for CIFS mountStorage commands.
type MountCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// MountRequest is the payload of mountStorage/unmountStorage/checkMount commands.
type MountRequest struct {
	Type        string            `json:"type,omitempty"`
	Source      string            `json:"source,omitempty"`
	MountPoint  string            `json:"mountPoint"`
	Options     string            `json:"options,omitempty"`
	Credentials *MountCredentials `json:"credentials,omitempty"`
}

// MountCheckData is the data an agent returns on a successful checkMount.
type MountCheckData struct {
	Mounted    bool   `json:"mounted"`
	UsageBytes *int64 `json:"usageBytes,omitempty"`
	TotalBytes *int64 `json:"totalBytes,omitempty"`
}
