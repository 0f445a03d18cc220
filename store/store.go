package store

import "context"

// Store abstracts all relational persistence the core depends on: the
// File/FileVersion graph, the chat message log, and agent session
// liveness records. Implementations (postgres, sqlite) must satisfy
// the invariants in spec.md §8, in particular: chat_id uniqueness on
// AgentSession, and append-only ChatMessage ordering.
type Store interface {
	// --- Files ---
	CreateFile(ctx context.Context, f File) error
	GetFile(ctx context.Context, workspaceID, id string) (File, error)
	GetFileByPath(ctx context.Context, workspaceID, path string) (File, error)
	ListChildren(ctx context.Context, workspaceID string, parentID *string) ([]File, error)
	UpdateFile(ctx context.Context, f File) error
	// RewriteDescendantPaths updates path for every descendant of folderID,
	// substituting newPrefix for the leading oldPrefix.
	RewriteDescendantPaths(ctx context.Context, workspaceID, folderID, oldPrefix, newPrefix string) error
	DeleteFile(ctx context.Context, workspaceID, id string) error

	// --- File versions ---
	CreateFileVersion(ctx context.Context, v FileVersion) error
	GetFileVersion(ctx context.Context, id string) (FileVersion, error)
	GetLatestVersion(ctx context.Context, fileID string) (FileVersion, error)
	// FindVersionByHash returns an existing version sharing hash on fileID,
	// used by the write algorithm's content-addressed dedup check.
	FindVersionByHash(ctx context.Context, fileID, hash string) (FileVersion, bool, error)

	// --- Archive cleanup queue ---
	EnqueueArchiveCleanup(ctx context.Context, workspaceID, hash string) error
	DequeueArchiveCleanupBatch(ctx context.Context, limit int) ([]ArchiveCleanupEntry, error)
	DeleteArchiveCleanupEntry(ctx context.Context, workspaceID, hash string) error
	// HashReferenced reports whether any live FileVersion still references hash.
	HashReferenced(ctx context.Context, workspaceID, hash string) (bool, error)

	// --- Chat messages ---
	AppendMessage(ctx context.Context, m ChatMessage) error
	ListMessages(ctx context.Context, fileID string, limit int) ([]ChatMessage, error)

	// --- Agent sessions ---
	CreateAgentSession(ctx context.Context, s AgentSession) error
	GetAgentSessionByChatID(ctx context.Context, chatID string) (AgentSession, bool, error)
	UpdateAgentSession(ctx context.Context, s AgentSession) error
	Touch(ctx context.Context, chatID string, heartbeat int64) error
	// StaleSessions returns non-terminal sessions whose last_heartbeat is
	// older than olderThan, for the cleanup worker.
	StaleSessions(ctx context.Context, olderThan int64) ([]AgentSession, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// ArchiveCleanupEntry is one row of file_archive_cleanup_queue.
type ArchiveCleanupEntry struct {
	WorkspaceID string
	Hash        string
	EnqueuedAt  int64
}
