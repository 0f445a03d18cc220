package storage

import (
	"context"
	"testing"

	"github.com/oasisflow/core/store"
)

// fakeQueueStore implements just enough of store.Store to exercise
// ProcessCleanupBatch: an in-memory cleanup queue and a set of
// referenced hashes.
type fakeQueueStore struct {
	store.Store
	queue      []store.ArchiveCleanupEntry
	referenced map[string]bool
}

func (f *fakeQueueStore) DequeueArchiveCleanupBatch(ctx context.Context, limit int) ([]store.ArchiveCleanupEntry, error) {
	if limit > len(f.queue) {
		limit = len(f.queue)
	}
	batch := f.queue[:limit]
	return append([]store.ArchiveCleanupEntry{}, batch...), nil
}

func (f *fakeQueueStore) DeleteArchiveCleanupEntry(ctx context.Context, workspaceID, hash string) error {
	out := f.queue[:0]
	for _, e := range f.queue {
		if e.WorkspaceID == workspaceID && e.Hash == hash {
			continue
		}
		out = append(out, e)
	}
	f.queue = out
	return nil
}

func (f *fakeQueueStore) HashReferenced(ctx context.Context, workspaceID, hash string) (bool, error) {
	return f.referenced[workspaceID+"/"+hash], nil
}

func TestProcessCleanupBatchDeletesUnreferencedBlob(t *testing.T) {
	blobs := testStore(t)
	ctx := context.Background()

	content := []byte("content to be deleted")
	hash := Hash(content, "version-1")
	if err := blobs.WriteWithHash(ctx, "ws-1", "/cleanup_test.txt", content, hash); err != nil {
		t.Fatalf("WriteWithHash: %v", err)
	}

	db := &fakeQueueStore{
		queue:      []store.ArchiveCleanupEntry{{WorkspaceID: "ws-1", Hash: hash, EnqueuedAt: 1}},
		referenced: map[string]bool{},
	}

	deleted, err := ProcessCleanupBatch(ctx, db, blobs, nil, 10)
	if err != nil {
		t.Fatalf("ProcessCleanupBatch: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted blob, got %d", deleted)
	}
	if len(db.queue) != 0 {
		t.Errorf("expected queue drained, got %d entries", len(db.queue))
	}
	if _, err := blobs.ReadVersion(ctx, "ws-1", hash); err == nil {
		t.Error("expected archive blob to be gone from disk")
	}
}

func TestProcessCleanupBatchSkipsStillReferencedHash(t *testing.T) {
	blobs := testStore(t)
	ctx := context.Background()

	content := []byte("shared content")
	hash := Hash(content, "version-1")
	if err := blobs.WriteWithHash(ctx, "ws-1", "/a.txt", content, hash); err != nil {
		t.Fatalf("WriteWithHash: %v", err)
	}

	db := &fakeQueueStore{
		queue:      []store.ArchiveCleanupEntry{{WorkspaceID: "ws-1", Hash: hash, EnqueuedAt: 1}},
		referenced: map[string]bool{"ws-1/" + hash: true},
	}

	deleted, err := ProcessCleanupBatch(ctx, db, blobs, nil, 10)
	if err != nil {
		t.Fatalf("ProcessCleanupBatch: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted blobs for a still-referenced hash, got %d", deleted)
	}
	if len(db.queue) != 0 {
		t.Errorf("expected the entry still removed from the queue, got %d entries", len(db.queue))
	}
	if _, err := blobs.ReadVersion(ctx, "ws-1", hash); err != nil {
		t.Error("expected referenced archive blob to remain on disk")
	}
}
