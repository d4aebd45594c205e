package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default single-node Store backed by a local database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLite(dbPath string) (*SQLite, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		is_core INTEGER NOT NULL DEFAULT 0,
		agent_status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMP,
		metrics TEXT,
		network_info TEXT,
		token_hash TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_tokens (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL,
		expires_at TIMESTAMP,
		last_used_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agent_tokens_server ON agent_tokens(server_id);
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		app_name TEXT NOT NULL,
		status TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(server_id, app_name)
	);
	CREATE TABLE IF NOT EXISTS proxy_routes (
		deployment_id TEXT PRIMARY KEY REFERENCES deployments(id) ON DELETE CASCADE,
		active INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS command_log (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		deployment_id TEXT,
		action TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		result_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
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
		auto_mount INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unmounted',
		status_message TEXT NOT NULL DEFAULT '',
		usage_bytes INTEGER,
		total_bytes INTEGER,
		last_checked TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_server_mounts_server ON server_mounts(server_id);
	CREATE TABLE IF NOT EXISTS mount_credentials (
		mount_id TEXT PRIMARY KEY REFERENCES mounts(id) ON DELETE CASCADE,
		encrypted BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS app_manifests (
		app_name TEXT PRIMARY KEY,
		manifest TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) CreateServer(ctx context.Context, server *Server) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.Host, server.IsCore, string(server.AgentStatus),
		server.LastSeen, nullableJSON(server.Metrics), nullableJSON(server.NetworkInfo),
		server.TokenHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

func (s *SQLite) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at
		FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

func (s *SQLite) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, host, is_core, agent_status, last_seen, metrics, network_info, token_hash, updated_at
		FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var server Server
	var lastSeen sql.NullTime
	var metrics, networkInfo sql.NullString
	err := row.Scan(&server.ID, &server.Name, &server.Host, &server.IsCore,
		&server.AgentStatus, &lastSeen, &metrics, &networkInfo,
		&server.TokenHash, &server.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}
	if lastSeen.Valid {
		ts := lastSeen.Time
		server.LastSeen = &ts
	}
	if metrics.Valid {
		server.Metrics = json.RawMessage(metrics.String)
	}
	if networkInfo.Valid {
		server.NetworkInfo = json.RawMessage(networkInfo.String)
	}
	return &server, nil
}

func (s *SQLite) UpdateServerStatus(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time) error {
	var res sql.Result
	var err error
	if lastSeen != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE servers SET agent_status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
			string(status), *lastSeen, time.Now().UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE servers SET agent_status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) UpdateServerMetrics(ctx context.Context, id string, metrics, networkInfo json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			metrics = COALESCE(?, metrics),
			network_info = COALESCE(?, network_info),
			last_seen = ?, updated_at = ?
		WHERE id = ?`,
		nullableJSON(metrics), nullableJSON(networkInfo), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update server metrics: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) InsertAgentToken(ctx context.Context, token *AgentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (id, server_id, token_hash, expires_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.ServerID, token.TokenHash, token.ExpiresAt, token.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	return nil
}

func (s *SQLite) ListAgentTokens(ctx context.Context, serverID string) ([]*AgentToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, token_hash, expires_at, last_used_at
		FROM agent_tokens WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tokens: %w", err)
	}
	defer rows.Close()

	out := make([]*AgentToken, 0)
	for rows.Next() {
		var token AgentToken
		var expiresAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&token.ID, &token.ServerID, &token.TokenHash, &expiresAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent token: %w", err)
		}
		if expiresAt.Valid {
			ts := expiresAt.Time
			token.ExpiresAt = &ts
		}
		if lastUsedAt.Valid {
			ts := lastUsedAt.Time
			token.LastUsedAt = &ts
		}
		out = append(out, &token)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchAgentToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tokens SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("failed to touch agent token: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) CreateDeployment(ctx context.Context, dep *Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, server_id, app_name, status, status_message, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.ServerID, dep.AppName, string(dep.Status), dep.StatusMessage, dep.Version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func (s *SQLite) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, app_name, status, status_message, version, updated_at
		FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

func (s *SQLite) GetDeploymentByServerAndApp(ctx context.Context, serverID, appName string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, app_name, status, status_message, version, updated_at
		FROM deployments WHERE server_id = ? AND app_name = ?`, serverID, appName)
	return scanDeployment(row)
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	var dep Deployment
	err := row.Scan(&dep.ID, &dep.ServerID, &dep.AppName, &dep.Status,
		&dep.StatusMessage, &dep.Version, &dep.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	return &dep, nil
}

func (s *SQLite) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set deployment status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) SetDeploymentStatusIfNotTransient(ctx context.Context, id string, status DeploymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, status_message = '', updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), time.Now().UTC(), id,
		string(DeploymentInstalling), string(DeploymentConfiguring), string(DeploymentUninstalling))
	if err != nil {
		return false, fmt.Errorf("failed to set deployment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a protected transient row from a missing one.
	if _, err := s.GetDeployment(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLite) PutProxyRoute(ctx context.Context, route *ProxyRoute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_routes (deployment_id, active) VALUES (?, ?)
		ON CONFLICT(deployment_id) DO UPDATE SET active = excluded.active`,
		route.DeploymentID, route.Active)
	if err != nil {
		return fmt.Errorf("failed to put proxy route: %w", err)
	}
	return nil
}

func (s *SQLite) GetProxyRoute(ctx context.Context, deploymentID string) (*ProxyRoute, error) {
	var route ProxyRoute
	err := s.db.QueryRowContext(ctx,
		`SELECT deployment_id, active FROM proxy_routes WHERE deployment_id = ?`, deploymentID).
		Scan(&route.DeploymentID, &route.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy route: %w", err)
	}
	return &route, nil
}

func (s *SQLite) SetProxyRouteActive(ctx context.Context, deploymentID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proxy_routes SET active = ? WHERE deployment_id = ?`, active, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to set proxy route active: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) InsertCommandLog(ctx context.Context, entry *CommandLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (id, server_id, deployment_id, action, payload, status, result_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ServerID, entry.DeploymentID, entry.Action,
		nullableJSON(entry.Payload), string(entry.Status), entry.ResultMessage,
		createdAt, entry.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert command log: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateCommandLog(ctx context.Context, id string, status CommandStatus, message string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_log SET status = ?, result_message = ?, completed_at = ? WHERE id = ?`,
		string(status), message, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update command log: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) GetCommandLog(ctx context.Context, id string) (*CommandLogEntry, error) {
	var entry CommandLogEntry
	var deploymentID sql.NullString
	var payload sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, deployment_id, action, payload, status, result_message, created_at, completed_at
		FROM command_log WHERE id = ?`, id).
		Scan(&entry.ID, &entry.ServerID, &deploymentID, &entry.Action, &payload,
			&entry.Status, &entry.ResultMessage, &entry.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command log: %w", err)
	}
	if deploymentID.Valid {
		id := deploymentID.String
		entry.DeploymentID = &id
	}
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	if completedAt.Valid {
		ts := completedAt.Time
		entry.CompletedAt = &ts
	}
	return &entry, nil
}

func (s *SQLite) CreateMount(ctx context.Context, mount *Mount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mounts (id, type, source, default_options) VALUES (?, ?, ?, ?)`,
		mount.ID, string(mount.Type), mount.Source, mount.DefaultOptions)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}
	return nil
}

func (s *SQLite) CreateServerMount(ctx context.Context, sm *ServerMount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_mounts (id, mount_id, server_id, mount_point, options, auto_mount, status, status_message, usage_bytes, total_bytes, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.MountID, sm.ServerID, sm.MountPoint, sm.Options, sm.AutoMount,
		string(sm.Status), sm.StatusMessage, sm.UsageBytes, sm.TotalBytes, sm.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to create server mount: %w", err)
	}
	return nil
}

func (s *SQLite) ListAutoMounts(ctx context.Context, serverID string) ([]*ServerMount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sm.id, sm.mount_id, sm.server_id, sm.mount_point, sm.options, sm.auto_mount,
		       sm.status, sm.status_message, sm.usage_bytes, sm.total_bytes, sm.last_checked,
		       m.id, m.type, m.source, m.default_options
		FROM server_mounts sm
		JOIN mounts m ON m.id = sm.mount_id
		WHERE sm.server_id = ? AND sm.auto_mount = 1
		ORDER BY sm.mount_point`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto mounts: %w", err)
	}
	defer rows.Close()

	out := make([]*ServerMount, 0)
	for rows.Next() {
		var sm ServerMount
		var mount Mount
		var usageBytes, totalBytes sql.NullInt64
		var lastChecked sql.NullTime
		err := rows.Scan(&sm.ID, &sm.MountID, &sm.ServerID, &sm.MountPoint, &sm.Options,
			&sm.AutoMount, &sm.Status, &sm.StatusMessage, &usageBytes, &totalBytes, &lastChecked,
			&mount.ID, &mount.Type, &mount.Source, &mount.DefaultOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server mount: %w", err)
		}
		if usageBytes.Valid {
			v := usageBytes.Int64
			sm.UsageBytes = &v
		}
		if totalBytes.Valid {
			v := totalBytes.Int64
			sm.TotalBytes = &v
		}
		if lastChecked.Valid {
			ts := lastChecked.Time
			sm.LastChecked = &ts
		}
		sm.Mount = &mount
		out = append(out, &sm)
	}
	return out, rows.Err()
}

func (s *SQLite) SetMountStatus(ctx context.Context, serverMountID string, status MountStatus, message string, usage *MountUsage) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if usage != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE server_mounts SET status = ?, status_message = ?, usage_bytes = ?, total_bytes = ?, last_checked = ?
			WHERE id = ?`,
			string(status), message, usage.UsageBytes, usage.TotalBytes, now, serverMountID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE server_mounts SET status = ?, status_message = ?, last_checked = ? WHERE id = ?`,
			string(status), message, now, serverMountID)
	}
	if err != nil {
		return fmt.Errorf("failed to set mount status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) PutMountCredentials(ctx context.Context, mountID string, encrypted []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mount_credentials (mount_id, encrypted) VALUES (?, ?)
		ON CONFLICT(mount_id) DO UPDATE SET encrypted = excluded.encrypted`,
		mountID, encrypted)
	if err != nil {
		return fmt.Errorf("failed to put mount credentials: %w", err)
	}
	return nil
}

func (s *SQLite) GetMountCredentials(ctx context.Context, mountID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted FROM mount_credentials WHERE mount_id = ?`, mountID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mount credentials: %w", err)
	}
	return blob, nil
}

func (s *SQLite) PutAppManifest(ctx context.Context, manifest *AppManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_manifests (app_name, manifest) VALUES (?, ?)
		ON CONFLICT(app_name) DO UPDATE SET manifest = excluded.manifest`,
		manifest.AppName, string(data))
	if err != nil {
		return fmt.Errorf("failed to put app manifest: %w", err)
	}
	return nil
}

func (s *SQLite) GetAppManifest(ctx context.Context, appName string) (*AppManifest, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest FROM app_manifests WHERE app_name = ?`, appName).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app manifest: %w", err)
	}
	var manifest AppManifest
	if err := json.Unmarshal([]byte(data), &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &manifest, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	// Update query planner statistics before closing.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
