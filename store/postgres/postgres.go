// Package postgres implements store.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oasisflow/core/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	statementTimeoutMs int // 0 = no per-statement timeout
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithStatementTimeout sets a SET statement_timeout applied at Init.
// Only affects the Init session, not every pool connection; operators
// should additionally configure this on the connection string for
// runtime queries.
func WithStatementTimeout(ms int) Option {
	return func(c *pgConfig) { c.statementTimeoutMs = ms }
}

var _ store.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Init creates all required tables and indexes. Safe to call multiple
// times; every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			parent_id TEXT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			path TEXT NOT NULL,
			file_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ready',
			is_virtual BOOLEAN NOT NULL DEFAULT FALSE,
			is_remote BOOLEAN NOT NULL DEFAULT FALSE,
			permission INTEGER NOT NULL DEFAULT 420,
			latest_version_id TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(workspace_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS files_parent_idx ON files(workspace_id, parent_id)`,

		`CREATE TABLE IF NOT EXISTS file_versions (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT 'main',
			content_raw JSONB NOT NULL,
			app_data JSONB,
			hash TEXT NOT NULL,
			author_id TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS file_versions_file_idx ON file_versions(file_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS file_versions_hash_idx ON file_versions(file_id, hash)`,

		`CREATE TABLE IF NOT EXISTS file_archive_cleanup_queue (
			workspace_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, hash)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_file_idx ON chat_messages(file_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			chat_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'chat',
			current_task TEXT,
			error_message TEXT,
			last_heartbeat BIGINT NOT NULL,
			completed_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_sessions_heartbeat_idx ON agent_sessions(last_heartbeat) WHERE status NOT IN ('completed', 'error', 'cancelled')`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.statementTimeoutMs > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", s.cfg.statementTimeoutMs)); err != nil {
			return fmt.Errorf("postgres: set statement_timeout: %w", err)
		}
	}

	return nil
}

// --- Files ---

func (s *Store) CreateFile(ctx context.Context, f store.File) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		f.ID, f.WorkspaceID, f.ParentID, f.Name, f.Slug, f.Path, f.FileType, f.Status, f.IsVirtual, f.IsRemote, f.Permission, f.LatestVersionID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, workspaceID, id string) (store.File, error) {
	var f store.File
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
		 FROM files WHERE workspace_id=$1 AND id=$2`, workspaceID, id,
	).Scan(&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &f.Slug, &f.Path, &f.FileType, &f.Status, &f.IsVirtual, &f.IsRemote, &f.Permission, &f.LatestVersionID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return store.File{}, fmt.Errorf("postgres: get file: %w", err)
	}
	return f, nil
}

func (s *Store) GetFileByPath(ctx context.Context, workspaceID, path string) (store.File, error) {
	var f store.File
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
		 FROM files WHERE workspace_id=$1 AND path=$2`, workspaceID, path,
	).Scan(&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &f.Slug, &f.Path, &f.FileType, &f.Status, &f.IsVirtual, &f.IsRemote, &f.Permission, &f.LatestVersionID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return store.File{}, fmt.Errorf("postgres: get file by path: %w", err)
	}
	return f, nil
}

func (s *Store) ListChildren(ctx context.Context, workspaceID string, parentID *string) ([]store.File, error) {
	var rows pgx.Rows
	var err error
	if parentID == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
			 FROM files WHERE workspace_id=$1 AND parent_id IS NULL ORDER BY name`, workspaceID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
			 FROM files WHERE workspace_id=$1 AND parent_id=$2 ORDER BY name`, workspaceID, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list children: %w", err)
	}
	defer rows.Close()

	var files []store.File
	for rows.Next() {
		var f store.File
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &f.Slug, &f.Path, &f.FileType, &f.Status, &f.IsVirtual, &f.IsRemote, &f.Permission, &f.LatestVersionID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) UpdateFile(ctx context.Context, f store.File) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE files SET parent_id=$1, name=$2, slug=$3, path=$4, status=$5, latest_version_id=$6, updated_at=$7
		 WHERE workspace_id=$8 AND id=$9`,
		f.ParentID, f.Name, f.Slug, f.Path, f.Status, f.LatestVersionID, f.UpdatedAt, f.WorkspaceID, f.ID)
	if err != nil {
		return fmt.Errorf("postgres: update file: %w", err)
	}
	return nil
}

// RewriteDescendantPaths rewrites every descendant path under a moved
// folder in one statement, per spec.md §3's File.path invariant.
func (s *Store) RewriteDescendantPaths(ctx context.Context, workspaceID, folderID, oldPrefix, newPrefix string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE files SET path = $1 || substring(path from length($2) + 1)
		 WHERE workspace_id = $3 AND path LIKE $2 || '/%'`,
		newPrefix, oldPrefix, workspaceID)
	if err != nil {
		return fmt.Errorf("postgres: rewrite descendant paths: %w", err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, workspaceID, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM files WHERE workspace_id=$1 AND id=$2`, workspaceID, id)
	return err
}

// --- File versions ---

func (s *Store) CreateFileVersion(ctx context.Context, v store.FileVersion) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_versions (id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.ID, v.FileID, v.WorkspaceID, v.Branch, v.ContentRaw, v.AppData, v.Hash, v.AuthorID, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create file version: %w", err)
	}
	return nil
}

func (s *Store) GetFileVersion(ctx context.Context, id string) (store.FileVersion, error) {
	var v store.FileVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE id=$1`, id,
	).Scan(&v.ID, &v.FileID, &v.WorkspaceID, &v.Branch, &v.ContentRaw, &v.AppData, &v.Hash, &v.AuthorID, &v.CreatedAt)
	if err != nil {
		return store.FileVersion{}, fmt.Errorf("postgres: get file version: %w", err)
	}
	return v, nil
}

func (s *Store) GetLatestVersion(ctx context.Context, fileID string) (store.FileVersion, error) {
	var v store.FileVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE file_id=$1 ORDER BY created_at DESC LIMIT 1`, fileID,
	).Scan(&v.ID, &v.FileID, &v.WorkspaceID, &v.Branch, &v.ContentRaw, &v.AppData, &v.Hash, &v.AuthorID, &v.CreatedAt)
	if err != nil {
		return store.FileVersion{}, fmt.Errorf("postgres: get latest version: %w", err)
	}
	return v, nil
}

func (s *Store) FindVersionByHash(ctx context.Context, fileID, hash string) (store.FileVersion, bool, error) {
	var v store.FileVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE file_id=$1 AND hash=$2 ORDER BY created_at DESC LIMIT 1`, fileID, hash,
	).Scan(&v.ID, &v.FileID, &v.WorkspaceID, &v.Branch, &v.ContentRaw, &v.AppData, &v.Hash, &v.AuthorID, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.FileVersion{}, false, nil
	}
	if err != nil {
		return store.FileVersion{}, false, fmt.Errorf("postgres: find version by hash: %w", err)
	}
	return v, true, nil
}

// --- Archive cleanup queue ---

func (s *Store) EnqueueArchiveCleanup(ctx context.Context, workspaceID, hash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_archive_cleanup_queue (workspace_id, hash, enqueued_at)
		 VALUES ($1, $2, extract(epoch from now())::bigint)
		 ON CONFLICT (workspace_id, hash) DO NOTHING`,
		workspaceID, hash)
	return err
}

func (s *Store) DequeueArchiveCleanupBatch(ctx context.Context, limit int) ([]store.ArchiveCleanupEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workspace_id, hash, enqueued_at FROM file_archive_cleanup_queue ORDER BY enqueued_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: dequeue archive cleanup: %w", err)
	}
	defer rows.Close()

	var entries []store.ArchiveCleanupEntry
	for rows.Next() {
		var e store.ArchiveCleanupEntry
		if err := rows.Scan(&e.WorkspaceID, &e.Hash, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan archive cleanup entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteArchiveCleanupEntry(ctx context.Context, workspaceID, hash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM file_archive_cleanup_queue WHERE workspace_id=$1 AND hash=$2`, workspaceID, hash)
	return err
}

func (s *Store) HashReferenced(ctx context.Context, workspaceID, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM file_versions WHERE workspace_id=$1 AND hash=$2)`, workspaceID, hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: hash referenced: %w", err)
	}
	return exists, nil
}

// --- Chat messages ---

func (s *Store) AppendMessage(ctx context.Context, m store.ChatMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, file_id, workspace_id, role, content, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.FileID, m.WorkspaceID, m.Role, m.Content, m.Metadata, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, fileID string, limit int) ([]store.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_id, workspace_id, role, content, metadata, created_at
		 FROM chat_messages WHERE file_id=$1 ORDER BY created_at LIMIT $2`, fileID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		if err := rows.Scan(&m.ID, &m.FileID, &m.WorkspaceID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Agent sessions ---

func (s *Store) CreateAgentSession(ctx context.Context, sess store.AgentSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sess.ID, sess.WorkspaceID, sess.ChatID, sess.UserID, sess.AgentType, sess.Status, sess.Model, sess.Mode, sess.CurrentTask, sess.ErrorMessage, sess.LastHeartbeat, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent session: %w", err)
	}
	return nil
}

func (s *Store) GetAgentSessionByChatID(ctx context.Context, chatID string) (store.AgentSession, bool, error) {
	var sess store.AgentSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at
		 FROM agent_sessions WHERE chat_id=$1`, chatID,
	).Scan(&sess.ID, &sess.WorkspaceID, &sess.ChatID, &sess.UserID, &sess.AgentType, &sess.Status, &sess.Model, &sess.Mode, &sess.CurrentTask, &sess.ErrorMessage, &sess.LastHeartbeat, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return store.AgentSession{}, false, nil
	}
	if err != nil {
		return store.AgentSession{}, false, fmt.Errorf("postgres: get agent session: %w", err)
	}
	return sess, true, nil
}

func (s *Store) UpdateAgentSession(ctx context.Context, sess store.AgentSession) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status=$1, model=$2, mode=$3, current_task=$4, error_message=$5, last_heartbeat=$6, completed_at=$7, updated_at=$8
		 WHERE chat_id=$9`,
		sess.Status, sess.Model, sess.Mode, sess.CurrentTask, sess.ErrorMessage, sess.LastHeartbeat, sess.CompletedAt, sess.UpdatedAt, sess.ChatID)
	if err != nil {
		return fmt.Errorf("postgres: update agent session: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, chatID string, heartbeat int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_sessions SET last_heartbeat=$1 WHERE chat_id=$2`, heartbeat, chatID)
	return err
}

func (s *Store) StaleSessions(ctx context.Context, olderThan int64) ([]store.AgentSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at
		 FROM agent_sessions
		 WHERE last_heartbeat < $1 AND status NOT IN ('completed','error','cancelled')`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.AgentSession
	for rows.Next() {
		var sess store.AgentSession
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.ChatID, &sess.UserID, &sess.AgentType, &sess.Status, &sess.Model, &sess.Mode, &sess.CurrentTask, &sess.ErrorMessage, &sess.LastHeartbeat, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
