// Package sqlite implements store.Store using a single local SQLite
// file. It is intended for local development and the test suite's
// embedded fixtures, mirroring the same Store contract as postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oasisflow/core/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store logs when it opens the database and when Init applies the
// schema; other operations are not logged. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
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
			is_virtual INTEGER NOT NULL DEFAULT 0,
			is_remote INTEGER NOT NULL DEFAULT 0,
			permission INTEGER NOT NULL DEFAULT 420,
			latest_version_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(workspace_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS files_parent_idx ON files(workspace_id, parent_id)`,

		`CREATE TABLE IF NOT EXISTS file_versions (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT 'main',
			content_raw TEXT NOT NULL,
			app_data TEXT,
			hash TEXT NOT NULL,
			author_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS file_versions_file_idx ON file_versions(file_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS file_versions_hash_idx ON file_versions(file_id, hash)`,

		`CREATE TABLE IF NOT EXISTS file_archive_cleanup_queue (
			workspace_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			PRIMARY KEY (workspace_id, hash)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
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
			last_heartbeat INTEGER NOT NULL,
			completed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init finished", "elapsed", time.Since(start))
	return nil
}

// --- Files ---

func (s *Store) CreateFile(ctx context.Context, f store.File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.WorkspaceID, f.ParentID, f.Name, f.Slug, f.Path, string(f.FileType), string(f.Status), f.IsVirtual, f.IsRemote, f.Permission, f.LatestVersionID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, workspaceID, id string) (store.File, error) {
	return s.scanFileRow(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
		 FROM files WHERE workspace_id=? AND id=?`, workspaceID, id))
}

func (s *Store) GetFileByPath(ctx context.Context, workspaceID, path string) (store.File, error) {
	return s.scanFileRow(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
		 FROM files WHERE workspace_id=? AND path=?`, workspaceID, path))
}

func (s *Store) scanFileRow(row *sql.Row) (store.File, error) {
	var f store.File
	var fileType, status string
	var isVirtual, isRemote bool
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &f.Slug, &f.Path, &fileType, &status, &isVirtual, &isRemote, &f.Permission, &f.LatestVersionID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return store.File{}, fmt.Errorf("sqlite: scan file: %w", err)
	}
	f.FileType, f.Status, f.IsVirtual, f.IsRemote = store.FileType(fileType), store.FileStatus(status), isVirtual, isRemote
	return f, nil
}

func (s *Store) ListChildren(ctx context.Context, workspaceID string, parentID *string) ([]store.File, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
			 FROM files WHERE workspace_id=? AND parent_id IS NULL ORDER BY name`, workspaceID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, workspace_id, parent_id, name, slug, path, file_type, status, is_virtual, is_remote, permission, latest_version_id, created_at, updated_at
			 FROM files WHERE workspace_id=? AND parent_id=? ORDER BY name`, workspaceID, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list children: %w", err)
	}
	defer rows.Close()

	var files []store.File
	for rows.Next() {
		var f store.File
		var fileType, status string
		var isVirtual, isRemote bool
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &f.Slug, &f.Path, &fileType, &status, &isVirtual, &isRemote, &f.Permission, &f.LatestVersionID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan file: %w", err)
		}
		f.FileType, f.Status, f.IsVirtual, f.IsRemote = store.FileType(fileType), store.FileStatus(status), isVirtual, isRemote
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) UpdateFile(ctx context.Context, f store.File) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET parent_id=?, name=?, slug=?, path=?, status=?, latest_version_id=?, updated_at=?
		 WHERE workspace_id=? AND id=?`,
		f.ParentID, f.Name, f.Slug, f.Path, string(f.Status), f.LatestVersionID, f.UpdatedAt, f.WorkspaceID, f.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update file: %w", err)
	}
	return nil
}

func (s *Store) RewriteDescendantPaths(ctx context.Context, workspaceID, folderID, oldPrefix, newPrefix string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path FROM files WHERE workspace_id=? AND path LIKE ?`, workspaceID, oldPrefix+"/%")
	if err != nil {
		return fmt.Errorf("sqlite: rewrite descendant paths: %w", err)
	}
	type rewrite struct{ id, path string }
	var batch []rewrite
	for rows.Next() {
		var r rewrite
		if err := rows.Scan(&r.id, &r.path); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scan descendant: %w", err)
		}
		batch = append(batch, r)
	}
	rows.Close()

	for _, r := range batch {
		newPath := newPrefix + r.path[len(oldPrefix):]
		if _, err := s.db.ExecContext(ctx, `UPDATE files SET path=? WHERE id=?`, newPath, r.id); err != nil {
			return fmt.Errorf("sqlite: rewrite descendant path: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, workspaceID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE workspace_id=? AND id=?`, workspaceID, id)
	return err
}

// --- File versions ---

func (s *Store) CreateFileVersion(ctx context.Context, v store.FileVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_versions (id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.FileID, v.WorkspaceID, v.Branch, string(v.ContentRaw), nullableJSON(v.AppData), v.Hash, v.AuthorID, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create file version: %w", err)
	}
	return nil
}

func (s *Store) GetFileVersion(ctx context.Context, id string) (store.FileVersion, error) {
	return s.scanVersionRow(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE id=?`, id))
}

func (s *Store) GetLatestVersion(ctx context.Context, fileID string) (store.FileVersion, error) {
	return s.scanVersionRow(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE file_id=? ORDER BY created_at DESC LIMIT 1`, fileID))
}

func (s *Store) FindVersionByHash(ctx context.Context, fileID, hash string) (store.FileVersion, bool, error) {
	v, err := s.scanVersionRow(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, workspace_id, branch, content_raw, app_data, hash, author_id, created_at
		 FROM file_versions WHERE file_id=? AND hash=? ORDER BY created_at DESC LIMIT 1`, fileID, hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return store.FileVersion{}, false, nil
		}
		return store.FileVersion{}, false, err
	}
	return v, true, nil
}

func (s *Store) scanVersionRow(row *sql.Row) (store.FileVersion, error) {
	var v store.FileVersion
	var contentRaw string
	var appData sql.NullString
	err := row.Scan(&v.ID, &v.FileID, &v.WorkspaceID, &v.Branch, &contentRaw, &appData, &v.Hash, &v.AuthorID, &v.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.FileVersion{}, sql.ErrNoRows
		}
		return store.FileVersion{}, fmt.Errorf("sqlite: scan file version: %w", err)
	}
	v.ContentRaw = json.RawMessage(contentRaw)
	if appData.Valid {
		v.AppData = json.RawMessage(appData.String)
	}
	return v, nil
}

// --- Archive cleanup queue ---

func (s *Store) EnqueueArchiveCleanup(ctx context.Context, workspaceID, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO file_archive_cleanup_queue (workspace_id, hash, enqueued_at) VALUES (?,?,?)`,
		workspaceID, hash, time.Now().Unix())
	return err
}

func (s *Store) DequeueArchiveCleanupBatch(ctx context.Context, limit int) ([]store.ArchiveCleanupEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, hash, enqueued_at FROM file_archive_cleanup_queue ORDER BY enqueued_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dequeue archive cleanup: %w", err)
	}
	defer rows.Close()

	var entries []store.ArchiveCleanupEntry
	for rows.Next() {
		var e store.ArchiveCleanupEntry
		if err := rows.Scan(&e.WorkspaceID, &e.Hash, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan archive cleanup entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteArchiveCleanupEntry(ctx context.Context, workspaceID, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_archive_cleanup_queue WHERE workspace_id=? AND hash=?`, workspaceID, hash)
	return err
}

func (s *Store) HashReferenced(ctx context.Context, workspaceID, hash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM file_versions WHERE workspace_id=? AND hash=?)`, workspaceID, hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: hash referenced: %w", err)
	}
	return exists == 1, nil
}

// --- Chat messages ---

func (s *Store) AppendMessage(ctx context.Context, m store.ChatMessage) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, file_id, workspace_id, role, content, metadata, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.FileID, m.WorkspaceID, string(m.Role), m.Content, string(meta), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, fileID string, limit int) ([]store.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, workspace_id, role, content, metadata, created_at
		 FROM chat_messages WHERE file_id=? ORDER BY created_at LIMIT ?`, fileID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		var role, meta string
		if err := rows.Scan(&m.ID, &m.FileID, &m.WorkspaceID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Role = store.MessageRole(role)
		_ = json.Unmarshal([]byte(meta), &m.Metadata)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Agent sessions ---

func (s *Store) CreateAgentSession(ctx context.Context, sess store.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.WorkspaceID, sess.ChatID, sess.UserID, string(sess.AgentType), string(sess.Status), sess.Model, string(sess.Mode), sess.CurrentTask, sess.ErrorMessage, sess.LastHeartbeat, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create agent session: %w", err)
	}
	return nil
}

func (s *Store) GetAgentSessionByChatID(ctx context.Context, chatID string) (store.AgentSession, bool, error) {
	sess, err := s.scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at
		 FROM agent_sessions WHERE chat_id=?`, chatID))
	if err != nil {
		if err == sql.ErrNoRows {
			return store.AgentSession{}, false, nil
		}
		return store.AgentSession{}, false, err
	}
	return sess, true, nil
}

func (s *Store) scanSessionRow(row *sql.Row) (store.AgentSession, error) {
	var sess store.AgentSession
	var agentType, status, mode string
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.ChatID, &sess.UserID, &agentType, &status, &sess.Model, &mode, &sess.CurrentTask, &sess.ErrorMessage, &sess.LastHeartbeat, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.AgentSession{}, sql.ErrNoRows
		}
		return store.AgentSession{}, fmt.Errorf("sqlite: scan agent session: %w", err)
	}
	sess.AgentType, sess.Status, sess.Mode = store.AgentType(agentType), store.SessionStatus(status), store.AgentMode(mode)
	return sess, nil
}

func (s *Store) UpdateAgentSession(ctx context.Context, sess store.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET status=?, model=?, mode=?, current_task=?, error_message=?, last_heartbeat=?, completed_at=?, updated_at=?
		 WHERE chat_id=?`,
		string(sess.Status), sess.Model, string(sess.Mode), sess.CurrentTask, sess.ErrorMessage, sess.LastHeartbeat, sess.CompletedAt, sess.UpdatedAt, sess.ChatID)
	if err != nil {
		return fmt.Errorf("sqlite: update agent session: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, chatID string, heartbeat int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET last_heartbeat=? WHERE chat_id=?`, heartbeat, chatID)
	return err
}

func (s *Store) StaleSessions(ctx context.Context, olderThan int64) ([]store.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, chat_id, user_id, agent_type, status, model, mode, current_task, error_message, last_heartbeat, completed_at, created_at, updated_at
		 FROM agent_sessions
		 WHERE last_heartbeat < ? AND status NOT IN ('completed','error','cancelled')`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.AgentSession
	for rows.Next() {
		var sess store.AgentSession
		var agentType, status, mode string
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.ChatID, &sess.UserID, &agentType, &status, &sess.Model, &mode, &sess.CurrentTask, &sess.ErrorMessage, &sess.LastHeartbeat, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent session: %w", err)
		}
		sess.AgentType, sess.Status, sess.Mode = store.AgentType(agentType), store.SessionStatus(status), store.AgentMode(mode)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
