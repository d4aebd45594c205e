package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract consumed by the coordination core.
// Implementations must provide their own transactional guarantees; callers
// issue the smallest practical update per logical change.
type Store interface {
	// Servers. The core never creates or deletes servers, only transitions
	// agent status, last-seen, and metrics. Create exists for the admin
	// surface and tests.
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	UpdateServerStatus(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time) error
	UpdateServerMetrics(ctx context.Context, id string, metrics, networkInfo json.RawMessage) error

	// Agent tokens. ListAgentTokens returns every token for a server so the
	// authenticator can compare hashes in constant time without a lookup
	// oracle. TouchAgentToken records a successful use.
	InsertAgentToken(ctx context.Context, token *AgentToken) error
	ListAgentTokens(ctx context.Context, serverID string) ([]*AgentToken, error)
	TouchAgentToken(ctx context.Context, tokenID string) error

	// Deployments.
	CreateDeployment(ctx context.Context, dep *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetDeploymentByServerAndApp(ctx context.Context, serverID, appName string) (*Deployment, error)
	SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, message string) error
	// SetDeploymentStatusIfNotTransient applies the update only when the
	// current status is not a transient state, and reports whether it did.
	SetDeploymentStatusIfNotTransient(ctx context.Context, id string, status DeploymentStatus) (bool, error)

	// Proxy routes.
	PutProxyRoute(ctx context.Context, route *ProxyRoute) error
	GetProxyRoute(ctx context.Context, deploymentID string) (*ProxyRoute, error)
	SetProxyRouteActive(ctx context.Context, deploymentID string, active bool) error

	// Command log.
	InsertCommandLog(ctx context.Context, entry *CommandLogEntry) error
	UpdateCommandLog(ctx context.Context, id string, status CommandStatus, message string, completedAt time.Time) error
	GetCommandLog(ctx context.Context, id string) (*CommandLogEntry, error)

	// Mounts.
	CreateMount(ctx context.Context, mount *Mount) error
	CreateServerMount(ctx context.Context, sm *ServerMount) error
	// ListAutoMounts returns the auto-mount-enabled bindings for a server
	// with the Mount definition joined in.
	ListAutoMounts(ctx context.Context, serverID string) ([]*ServerMount, error)
	SetMountStatus(ctx context.Context, serverMountID string, status MountStatus, message string, usage *MountUsage) error

	// Mount credentials are opaque encrypted blobs; the secrets box owns
	// the encoding.
	PutMountCredentials(ctx context.Context, mountID string, encrypted []byte) error
	GetMountCredentials(ctx context.Context, mountID string) ([]byte, error)

	// App manifests.
	PutAppManifest(ctx context.Context, manifest *AppManifest) error
	GetAppManifest(ctx context.Context, appName string) (*AppManifest, error)

	// Ping verifies the backing store is reachable (readiness probe).
	Ping(ctx context.Context) error
	Close() error
}
