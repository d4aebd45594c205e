package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PKell33/ownprem-sub001/internal/common/database"
)

// Postgres is the multi-node Store backed by a PostgreSQL pool.
type Postgres struct {
	db *database.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an established pool and initializes the schema.
func NewPostgres(ctx context.Context, db *database.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Postgres) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		is_core BOOLEAN NOT NULL DEFAULT FALSE,
		agent_status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMPTZ,
		metrics JSONB,
		network_info JSONB,
		token_hash TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_tokens (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_agent_tokens_server ON agent_tokens(server_id);
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		app_name TEXT NOT NULL,
		status TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(server_id, app_name)
	);
	CREATE TABLE IF NOT EXISTS proxy_routes (
		deployment_id TEXT PRIMARY KEY REFERENCES deployments(id) ON DELETE CASCADE,
		active BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE TABLE IF NOT EXISTS command_log (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		deployment_id TEXT,
		action TEXT NOT NULL,
		payload JSONB,
		status TEXT NOT NULL,
		result_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_command_log_server ON command_log(server_id);
	CREATE TABLE IF NOT EXISTS mounts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		default_options TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS server_mounts (
		id TEXT PRIMARY KEY,
		mount_id TEXT NOT NULL REFERENCES mounts(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		mount_point TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '',
		auto_mount BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'unmounted',
		status_message TEXT NOT NULL DEFAULT '',
		usage_bytes BIGINT,
		total_bytes BIGINT,
		last_checked TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_server_mounts_server ON server_mounts(server_id);
	CREATE TABLE IF NOT EXISTS mount_credentials (
		mount_id TEXT PRIMARY KEY REFERENCES mounts(id) ON DELETE CASCADE,
		encrypted BYTEA NOT NULL
	);
	CREATE TABLE IF NOT EXISTS app_manifests (
		app_name TEXT PRIMARY KEY,
		manifest JSONB NOT NULL
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Postgres) CreateServer(ctx context.Context, server *Server) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO servers (id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		server.ID, server.Name, server.Host, server.IsCore, string(server.AgentStatus),
		server.LastSeen, pgJSON(server.Metrics), pgJSON(server.NetworkInfo),
		server.TokenHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

func (s *Postgres) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at
		FROM servers WHERE id = $1`, id)
	return scanServerPG(row)
}

func (s *Postgres) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at
		FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		server, err := scanServerPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

func scanServerPG(row pgx.Row) (*Server, error) {
	var server Server
	var lastSeen *time.Time
	var metrics, networkInfo []byte
	err := row.Scan(&server.ID, &server.Name, &server.Host, &server.IsCore,
		&server.AgentStatus, &lastSeen, &metrics, &networkInfo,
		&server.TokenHash, &server.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}
	server.LastSeen = lastSeen
	if metrics != nil {
		server.Metrics = json.RawMessage(metrics)
	}
	if networkInfo != nil {
		server.NetworkInfo = json.RawMessage(networkInfo)
	}
	return &server, nil
}

func (s *Postgres) UpdateServerStatus(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE servers SET agent_status = $1, last_seen = COALESCE($2, last_seen), updated_at = $3
		WHERE id = $4`,
		string(status), lastSeen, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateServerMetrics(ctx context.Context, id string, metrics, networkInfo json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE servers SET
			metrics = COALESCE($1, metrics),
			network_info = COALESCE($2, network_info),
			last_seen = $3, updated_at = $3
		WHERE id = $4`,
		pgJSON(metrics), pgJSON(networkInfo), now, id)
	if err != nil {
		return fmt.Errorf("failed to update server metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertAgentToken(ctx context.Context, token *AgentToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_tokens (id, server_id, token_hash, expires_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.ServerID, token.TokenHash, token.ExpiresAt, token.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	return nil
}

func (s *Postgres) ListAgentTokens(ctx context.Context, serverID string) ([]*AgentToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, server_id, token_hash, expires_at, last_used_at
		FROM agent_tokens WHERE server_id = $1`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tokens: %w", err)
	}
	defer rows.Close()

	out := make([]*AgentToken, 0)
	for rows.Next() {
		var token AgentToken
		if err := rows.Scan(&token.ID, &token.ServerID, &token.TokenHash, &token.ExpiresAt, &token.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent token: %w", err)
		}
		out = append(out, &token)
	}
	return out, rows.Err()
}

func (s *Postgres) TouchAgentToken(ctx context.Context, tokenID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agent_tokens SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("failed to touch agent token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateDeployment(ctx context.Context, dep *Deployment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO deployments (id, server_id, app_name, status, status_message, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dep.ID, dep.ServerID, dep.AppName, string(dep.Status), dep.StatusMessage, dep.Version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func (s *Postgres) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, server_id, app_name, status, status_message, version, updated_at
		FROM deployments WHERE id = $1`, id)
	return scanDeploymentPG(row)
}

func (s *Postgres) GetDeploymentByServerAndApp(ctx context.Context, serverID, appName string) (*Deployment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, server_id, app_name, status, status_message, version, updated_at
		FROM deployments WHERE server_id = $1 AND app_name = $2`, serverID, appName)
	return scanDeploymentPG(row)
}

func scanDeploymentPG(row pgx.Row) (*Deployment, error) {
	var dep Deployment
	err := row.Scan(&dep.ID, &dep.ServerID, &dep.AppName, &dep.Status,
		&dep.StatusMessage, &dep.Version, &dep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	return &dep, nil
}

func (s *Postgres) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployments SET status = $1, status_message = $2, updated_at = $3 WHERE id = $4`,
		string(status), message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetDeploymentStatusIfNotTransient(ctx context.Context, id string, status DeploymentStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployments SET status = $1, status_message = '', updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5, $6)`,
		string(status), time.Now().UTC(), id,
		string(DeploymentInstalling), string(DeploymentConfiguring), string(DeploymentUninstalling))
	if err != nil {
		return false, fmt.Errorf("failed to set deployment status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish a protected transient row from a missing one.
	if _, err := s.GetDeployment(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) PutProxyRoute(ctx context.Context, route *ProxyRoute) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO proxy_routes (deployment_id, active) VALUES ($1, $2)
		ON CONFLICT (deployment_id) DO UPDATE SET active = EXCLUDED.active`,
		route.DeploymentID, route.Active)
	if err != nil {
		return fmt.Errorf("failed to put proxy route: %w", err)
	}
	return nil
}

func (s *Postgres) GetProxyRoute(ctx context.Context, deploymentID string) (*ProxyRoute, error) {
	var route ProxyRoute
	err := s.db.QueryRow(ctx,
		`SELECT deployment_id, active FROM proxy_routes WHERE deployment_id = $1`, deploymentID).
		Scan(&route.DeploymentID, &route.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy route: %w", err)
	}
	return &route, nil
}

func (s *Postgres) SetProxyRouteActive(ctx context.Context, deploymentID string, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE proxy_routes SET active = $1 WHERE deployment_id = $2`, active, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to set proxy route active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertCommandLog(ctx context.Context, entry *CommandLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO command_log (id, server_id, deployment_id, action, payload, status, result_message, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.ServerID, entry.DeploymentID, entry.Action,
		pgJSON(entry.Payload), string(entry.Status), entry.ResultMessage,
		createdAt, entry.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert command log: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateCommandLog(ctx context.Context, id string, status CommandStatus, message string, completedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE command_log SET status = $1, result_message = $2, completed_at = $3 WHERE id = $4`,
		string(status), message, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update command log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetCommandLog(ctx context.Context, id string) (*CommandLogEntry, error) {
	var entry CommandLogEntry
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, server_id, deployment_id, action, payload, status, result_message, created_at, completed_at
		FROM command_log WHERE id = $1`, id).
		Scan(&entry.ID, &entry.ServerID, &entry.DeploymentID, &entry.Action, &payload,
			&entry.Status, &entry.ResultMessage, &entry.CreatedAt, &entry.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command log: %w", err)
	}
	if payload != nil {
		entry.Payload = json.RawMessage(payload)
	}
	return &entry, nil
}

func (s *Postgres) CreateMount(ctx context.Context, mount *Mount) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mounts (id, type, source, default_options) VALUES ($1, $2, $3, $4)`,
		mount.ID, string(mount.Type), mount.Source, mount.DefaultOptions)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}
	return nil
}

func (s *Postgres) CreateServerMount(ctx context.Context, sm *ServerMount) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO server_mounts (id, mount_id, server_id, mount_point, options, auto_mount, status, status_message, usage_bytes, total_bytes, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sm.ID, sm.MountID, sm.ServerID, sm.MountPoint, sm.Options, sm.AutoMount,
		string(sm.Status), sm.StatusMessage, sm.UsageBytes, sm.TotalBytes, sm.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to create server mount: %w", err)
	}
	return nil
}

func (s *Postgres) ListAutoMounts(ctx context.Context, serverID string) ([]*ServerMount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sm.id, sm.mount_id, sm.server_id, sm.mount_point, sm.options, sm.auto_mount,
		       sm.status, sm.status_message, sm.usage_bytes, sm.total_bytes, sm.last_checked,
		       m.id, m.type, m.source, m.default_options
		FROM server_mounts sm
		JOIN mounts m ON m.id = sm.mount_id
		WHERE sm.server_id = $1 AND sm.auto_mount
		ORDER BY sm.mount_point`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto mounts: %w", err)
	}
	defer rows.Close()

	out := make([]*ServerMount, 0)
	for rows.Next() {
		var sm ServerMount
		var mount Mount
		err := rows.Scan(&sm.ID, &sm.MountID, &sm.ServerID, &sm.MountPoint, &sm.Options,
			&sm.AutoMount, &sm.Status, &sm.StatusMessage, &sm.UsageBytes, &sm.TotalBytes, &sm.LastChecked,
			&mount.ID, &mount.Type, &mount.Source, &mount.DefaultOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server mount: %w", err)
		}
		sm.Mount = &mount
		out = append(out, &sm)
	}
	return out, rows.Err()
}

func (s *Postgres) SetMountStatus(ctx context.Context, serverMountID string, status MountStatus, message string, usage *MountUsage) error {
	now := time.Now().UTC()
	var usageBytes, totalBytes *int64
	if usage != nil {
		usageBytes = usage.UsageBytes
		totalBytes = usage.TotalBytes
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE server_mounts SET
			status = $1, status_message = $2,
			usage_bytes = COALESCE($3, usage_bytes),
			total_bytes = COALESCE($4, total_bytes),
			last_checked = $5
		WHERE id = $6`,
		string(status), message, usageBytes, totalBytes, now, serverMountID)
	if err != nil {
		return fmt.Errorf("failed to set mount status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) PutMountCredentials(ctx context.Context, mountID string, encrypted []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mount_credentials (mount_id, encrypted) VALUES ($1, $2)
		ON CONFLICT (mount_id) DO UPDATE SET encrypted = EXCLUDED.encrypted`,
		mountID, encrypted)
	if err != nil {
		return fmt.Errorf("failed to put mount credentials: %w", err)
	}
	return nil
}

func (s *Postgres) GetMountCredentials(ctx context.Context, mountID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(ctx,
		`SELECT encrypted FROM mount_credentials WHERE mount_id = $1`, mountID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mount credentials: %w", err)
	}
	return blob, nil
}

func (s *Postgres) PutAppManifest(ctx context.Context, manifest *AppManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO app_manifests (app_name, manifest) VALUES ($1, $2)
		ON CONFLICT (app_name) DO UPDATE SET manifest = EXCLUDED.manifest`,
		manifest.AppName, data)
	if err != nil {
		return fmt.Errorf("failed to put app manifest: %w", err)
	}
	return nil
}

func (s *Postgres) GetAppManifest(ctx context.Context, appName string) (*AppManifest, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT manifest FROM app_manifests WHERE app_name = $1`, appName).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app manifest: %w", err)
	}
	var manifest AppManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &manifest, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// pgJSON converts a RawMessage into a value pgx encodes as SQL NULL when empty.
func pgJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}
