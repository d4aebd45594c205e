// Package store provides typed persistence operations for servers,
// deployments, the command log, mounts, credentials, and app manifests.
package store

import (
	"encoding/json"
	"time"
)

// AgentStatus is the persisted connectivity state of a server's agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentInstalling   DeploymentStatus = "installing"
	DeploymentConfiguring  DeploymentStatus = "configuring"
	DeploymentRunning      DeploymentStatus = "running"
	DeploymentStopped      DeploymentStatus = "stopped"
	DeploymentError        DeploymentStatus = "error"
	DeploymentUninstalling DeploymentStatus = "uninstalling"
)

// IsTransient reports whether the status marks an orchestrator-driven
// operation in progress. Transient states are protected from agent-reported
// overwrites; only a matching command result may move them.
func (s DeploymentStatus) IsTransient() bool {
	switch s {
	case DeploymentInstalling, DeploymentConfiguring, DeploymentUninstalling:
		return true
	}
	return false
}

// CommandStatus is the persisted state of a command log entry.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSuccess CommandStatus = "success"
	CommandError   CommandStatus = "error"
	CommandTimeout CommandStatus = "timeout"
)

// MountType distinguishes network storage protocols.
type MountType string

const (
	MountNFS  MountType = "nfs"
	MountCIFS MountType = "cifs"
)

// MountStatus is the state of a mount binding on a server.
type MountStatus string

const (
	MountUnmounted MountStatus = "unmounted"
	MountMounting  MountStatus = "mounting"
	MountMounted   MountStatus = "mounted"
	MountError     MountStatus = "error"
)

// Server is a managed machine. Servers are created and destroyed by the
// admin API; the coordination core only transitions agent status and metrics.
type Server struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Host        string          `json:"host"`
	IsCore      bool            `json:"isCore"`
	AgentStatus AgentStatus     `json:"agentStatus"`
	LastSeen    *time.Time      `json:"lastSeen,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	NetworkInfo json.RawMessage `json:"networkInfo,omitempty"`
	// TokenHash is the legacy per-server token hash, used as an
	// authentication fallback when no agent token matches.
	TokenHash string    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AgentToken authenticates one agent. TokenHash is the hex SHA-256 of the
// bearer token; an ExpiresAt in the past makes the token invalid.
type AgentToken struct {
	ID         string     `json:"id"`
	ServerID   string     `json:"serverId"`
	TokenHash  string     `json:"-"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Deployment is an installed (or in-flight) app instance pinned to a server.
type Deployment struct {
	ID            string           `json:"id"`
	ServerID      string           `json:"serverId"`
	AppName       string           `json:"appName"`
	Status        DeploymentStatus `json:"status"`
	StatusMessage string           `json:"statusMessage,omitempty"`
	Version       string           `json:"version,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ProxyRoute is the reverse-proxy binding for a deployment. The core only
// toggles Active in response to running/stopped transitions.
type ProxyRoute struct {
	DeploymentID string `json:"deploymentId"`
	Active       bool   `json:"active"`
}

// CommandLogEntry records one dispatched command and its terminal outcome.
type CommandLogEntry struct {
	ID            string          `json:"id"`
	ServerID      string          `json:"serverId"`
	DeploymentID  *string         `json:"deploymentId,omitempty"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        CommandStatus   `json:"status"`
	ResultMessage string          `json:"resultMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Mount is a network storage definition shared across servers.
type Mount struct {
	ID             string    `json:"id"`
	Type           MountType `json:"type"`
	Source         string    `json:"source"`
	DefaultOptions string    `json:"defaultOptions,omitempty"`
}

// ServerMount binds a Mount onto one server at a specific mount point.
type ServerMount struct {
	ID            string      `json:"id"`
	MountID       string      `json:"mountId"`
	ServerID      string      `json:"serverId"`
	MountPoint    string      `json:"mountPoint"`
	Options       string      `json:"options,omitempty"`
	AutoMount     bool        `json:"autoMount"`
	Status        MountStatus `json:"status"`
	StatusMessage string      `json:"statusMessage,omitempty"`
	UsageBytes    *int64      `json:"usageBytes,omitempty"`
	TotalBytes    *int64      `json:"totalBytes,omitempty"`
	LastChecked   *time.Time  `json:"lastChecked,omitempty"`

	// Mount is the joined definition, populated by list operations.
	Mount *Mount `json:"mount,omitempty"`
}

// MountUsage carries usage figures reported by a checkMount command.
type MountUsage struct {
	UsageBytes *int64 `json:"usageBytes,omitempty"`
	TotalBytes *int64 `json:"totalBytes,omitempty"`
}

// AppManifest is the subset of an app manifest the core reads.
type AppManifest struct {
	AppName string          `json:"appName"`
	Logging ManifestLogging `json:"logging"`
}

// ManifestLogging names the agent-side service to read logs from.
// An empty ServiceName means the app name is used.
type ManifestLogging struct {
	ServiceName string `json:"serviceName,omitempty"`
}
