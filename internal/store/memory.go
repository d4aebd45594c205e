package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-memory Store used by tests and single-node development.
type Memory struct {
	mu           sync.RWMutex
	servers      map[string]*Server
	tokens       map[string]*AgentToken
	deployments  map[string]*Deployment
	routes       map[string]*ProxyRoute
	commandLog   map[string]*CommandLogEntry
	mounts       map[string]*Mount
	serverMounts map[string]*ServerMount
	credentials  map[string][]byte
	manifests    map[string]*AppManifest
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		servers:      make(map[string]*Server),
		tokens:       make(map[string]*AgentToken),
		deployments:  make(map[string]*Deployment),
		routes:       make(map[string]*ProxyRoute),
		commandLog:   make(map[string]*CommandLogEntry),
		mounts:       make(map[string]*Mount),
		serverMounts: make(map[string]*ServerMount),
		credentials:  make(map[string][]byte),
		manifests:    make(map[string]*AppManifest),
	}
}

func (m *Memory) CreateServer(ctx context.Context, server *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *server
	cp.UpdatedAt = time.Now().UTC()
	m.servers[server.ID] = &cp
	return nil
}

func (m *Memory) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *server
	return &cp, nil
}

func (m *Memory) ListServers(ctx context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, server := range m.servers {
		cp := *server
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UpdateServerStatus(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	server.AgentStatus = status
	if lastSeen != nil {
		ts := *lastSeen
		server.LastSeen = &ts
	}
	server.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateServerMetrics(ctx context.Context, id string, metrics, networkInfo json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	if metrics != nil {
		server.Metrics = append(json.RawMessage(nil), metrics...)
	}
	if networkInfo != nil {
		server.NetworkInfo = append(json.RawMessage(nil), networkInfo...)
	}
	now := time.Now().UTC()
	server.LastSeen = &now
	server.UpdatedAt = now
	return nil
}

func (m *Memory) InsertAgentToken(ctx context.Context, token *AgentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *Memory) ListAgentTokens(ctx context.Context, serverID string) ([]*AgentToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentToken, 0)
	for _, token := range m.tokens {
		if token.ServerID == serverID {
			cp := *token
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) TouchAgentToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	token.LastUsedAt = &now
	return nil
}

func (m *Memory) CreateDeployment(ctx context.Context, dep *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dep
	cp.UpdatedAt = time.Now().UTC()
	m.deployments[dep.ID] = &cp
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dep, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dep
	return &cp, nil
}

func (m *Memory) GetDeploymentByServerAndApp(ctx context.Context, serverID, appName string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dep := range m.deployments {
		if dep.ServerID == serverID && dep.AppName == appName {
			cp := *dep
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	dep.Status = status
	dep.StatusMessage = message
	dep.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetDeploymentStatusIfNotTransient(ctx context.Context, id string, status DeploymentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return false, ErrNotFound
	}
	if dep.Status.IsTransient() {
		return false, nil
	}
	dep.Status = status
	dep.StatusMessage = ""
	dep.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) PutProxyRoute(ctx context.Context, route *ProxyRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *route
	m.routes[route.DeploymentID] = &cp
	return nil
}

func (m *Memory) GetProxyRoute(ctx context.Context, deploymentID string) (*ProxyRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	route, ok := m.routes[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *route
	return &cp, nil
}

func (m *Memory) SetProxyRouteActive(ctx context.Context, deploymentID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	route, ok := m.routes[deploymentID]
	if !ok {
		return ErrNotFound
	}
	route.Active = active
	return nil
}

func (m *Memory) InsertCommandLog(ctx context.Context, entry *CommandLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.commandLog[entry.ID] = &cp
	return nil
}

func (m *Memory) UpdateCommandLog(ctx context.Context, id string, status CommandStatus, message string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.commandLog[id]
	if !ok {
		return ErrNotFound
	}
	entry.Status = status
	entry.ResultMessage = message
	ts := completedAt
	entry.CompletedAt = &ts
	return nil
}

func (m *Memory) GetCommandLog(ctx context.Context, id string) (*CommandLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.commandLog[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *Memory) CreateMount(ctx context.Context, mount *Mount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mount
	m.mounts[mount.ID] = &cp
	return nil
}

func (m *Memory) CreateServerMount(ctx context.Context, sm *ServerMount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sm
	cp.Mount = nil
	m.serverMounts[sm.ID] = &cp
	return nil
}

func (m *Memory) ListAutoMounts(ctx context.Context, serverID string) ([]*ServerMount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServerMount, 0)
	for _, sm := range m.serverMounts {
		if sm.ServerID != serverID || !sm.AutoMount {
			continue
		}
		cp := *sm
		if mount, ok := m.mounts[sm.MountID]; ok {
			mcp := *mount
			cp.Mount = &mcp
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SetMountStatus(ctx context.Context, serverMountID string, status MountStatus, message string, usage *MountUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.serverMounts[serverMountID]
	if !ok {
		return ErrNotFound
	}
	sm.Status = status
	sm.StatusMessage = message
	if usage != nil {
		sm.UsageBytes = usage.UsageBytes
		sm.TotalBytes = usage.TotalBytes
	}
	now := time.Now().UTC()
	sm.LastChecked = &now
	return nil
}

func (m *Memory) PutMountCredentials(ctx context.Context, mountID string, encrypted []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[mountID] = append([]byte(nil), encrypted...)
	return nil
}

func (m *Memory) GetMountCredentials(ctx context.Context, mountID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.credentials[mountID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *Memory) PutAppManifest(ctx context.Context, manifest *AppManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *manifest
	m.manifests[manifest.AppName] = &cp
	return nil
}

func (m *Memory) GetAppManifest(ctx context.Context, appName string) (*AppManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.manifests[appName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *manifest
	return &cp, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
