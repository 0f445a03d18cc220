package storage

import (
	"context"
	"log/slog"

	"github.com/oasisflow/core/store"
)

// ProcessCleanupBatch dequeues up to limit archive cleanup entries and,
// for each one still unreferenced by any FileVersion, deletes its blob
// from disk and removes it from the queue. It returns the number of
// blobs actually deleted.
//
// An entry can be enqueued and later turn out to still be referenced
// (e.g. a concurrent write recreated a version with the same hash)
// — in that case the entry is simply dropped from the queue without
// touching disk.
func ProcessCleanupBatch(ctx context.Context, db store.Store, blobs *Store, logger *slog.Logger, limit int) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := db.DequeueArchiveCleanupBatch(ctx, limit)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		referenced, err := db.HashReferenced(ctx, e.WorkspaceID, e.Hash)
		if err != nil {
			return deleted, err
		}
		if !referenced {
			if err := blobs.DeleteArchiveBlob(ctx, e.WorkspaceID, e.Hash); err != nil {
				return deleted, err
			}
			deleted++
			logger.Debug("storage: archive blob reclaimed", "workspace_id", e.WorkspaceID, "hash", e.Hash)
		}
		if err := db.DeleteArchiveCleanupEntry(ctx, e.WorkspaceID, e.Hash); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
