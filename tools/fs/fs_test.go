package fs

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

// memStore is a minimal in-memory store.Store covering the File/
// FileVersion methods these tools exercise; everything else is
// stubbed, mirroring the teacher's plain-struct fakes.
type memStore struct {
	files    map[string]store.File // by ID
	byPath   map[string]string     // path -> ID
	versions map[string]store.FileVersion
}

func newMemStore() *memStore {
	return &memStore{files: map[string]store.File{}, byPath: map[string]string{}, versions: map[string]store.FileVersion{}}
}

func (m *memStore) CreateFile(_ context.Context, f store.File) error {
	m.files[f.ID] = f
	m.byPath[f.WorkspaceID+"\x00"+f.Path] = f.ID
	return nil
}
func (m *memStore) GetFile(_ context.Context, _, id string) (store.File, error) {
	f, ok := m.files[id]
	if !ok {
		return store.File{}, os.ErrNotExist
	}
	return f, nil
}
func (m *memStore) GetFileByPath(_ context.Context, workspaceID, path string) (store.File, error) {
	id, ok := m.byPath[workspaceID+"\x00"+path]
	if !ok {
		return store.File{}, os.ErrNotExist
	}
	return m.files[id], nil
}
func (m *memStore) ListChildren(_ context.Context, workspaceID string, parentID *string) ([]store.File, error) {
	var out []store.File
	for _, f := range m.files {
		if f.WorkspaceID != workspaceID {
			continue
		}
		if (parentID == nil) == (f.ParentID == nil) && (parentID == nil || *parentID == *f.ParentID) {
			out = append(out, f)
		}
	}
	return out, nil
}
func (m *memStore) UpdateFile(_ context.Context, f store.File) error {
	old := m.files[f.ID]
	delete(m.byPath, old.WorkspaceID+"\x00"+old.Path)
	m.files[f.ID] = f
	m.byPath[f.WorkspaceID+"\x00"+f.Path] = f.ID
	return nil
}
func (m *memStore) RewriteDescendantPaths(_ context.Context, workspaceID, folderID, oldPrefix, newPrefix string) error {
	for id, f := range m.files {
		if f.WorkspaceID != workspaceID || f.ID == folderID || !strings.HasPrefix(f.Path, oldPrefix+"/") {
			continue
		}
		delete(m.byPath, f.WorkspaceID+"\x00"+f.Path)
		f.Path = newPrefix + strings.TrimPrefix(f.Path, oldPrefix)
		m.files[id] = f
		m.byPath[f.WorkspaceID+"\x00"+f.Path] = id
	}
	return nil
}
func (m *memStore) DeleteFile(_ context.Context, _, id string) error {
	f, ok := m.files[id]
	if ok {
		delete(m.byPath, f.WorkspaceID+"\x00"+f.Path)
		delete(m.files, id)
	}
	return nil
}
func (m *memStore) CreateFileVersion(_ context.Context, v store.FileVersion) error {
	m.versions[v.ID] = v
	return nil
}
func (m *memStore) GetFileVersion(_ context.Context, id string) (store.FileVersion, error) {
	v, ok := m.versions[id]
	if !ok {
		return store.FileVersion{}, os.ErrNotExist
	}
	return v, nil
}
func (m *memStore) GetLatestVersion(_ context.Context, fileID string) (store.FileVersion, error) {
	f, ok := m.files[fileID]
	if !ok || f.LatestVersionID == nil {
		return store.FileVersion{}, os.ErrNotExist
	}
	return m.versions[*f.LatestVersionID], nil
}
func (m *memStore) FindVersionByHash(_ context.Context, fileID, hash string) (store.FileVersion, bool, error) {
	for _, v := range m.versions {
		if v.FileID == fileID && v.Hash == hash {
			return v, true, nil
		}
	}
	return store.FileVersion{}, false, nil
}
func (m *memStore) EnqueueArchiveCleanup(context.Context, string, string) error { return nil }
func (m *memStore) DequeueArchiveCleanupBatch(context.Context, int) ([]store.ArchiveCleanupEntry, error) {
	return nil, nil
}
func (m *memStore) DeleteArchiveCleanupEntry(context.Context, string, string) error { return nil }
func (m *memStore) HashReferenced(context.Context, string, string) (bool, error)    { return false, nil }
func (m *memStore) AppendMessage(context.Context, store.ChatMessage) error          { return nil }
func (m *memStore) ListMessages(context.Context, string, int) ([]store.ChatMessage, error) {
	return nil, nil
}
func (m *memStore) CreateAgentSession(context.Context, store.AgentSession) error { return nil }
func (m *memStore) GetAgentSessionByChatID(context.Context, string) (store.AgentSession, bool, error) {
	return store.AgentSession{}, false, nil
}
func (m *memStore) UpdateAgentSession(context.Context, store.AgentSession) error { return nil }
func (m *memStore) Touch(context.Context, string, int64) error                  { return nil }
func (m *memStore) StaleSessions(context.Context, int64) ([]store.AgentSession, error) {
	return nil, nil
}
func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error                { return nil }

var _ store.Store = (*memStore)(nil)

func newTestTool(t *testing.T) (*Tool, *memStore) {
	t.Helper()
	ms := newMemStore()
	blobs := storage.New(t.TempDir())
	if err := blobs.Init(context.Background()); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	return New("ws1", "user1", ms, blobs), ms
}

func call(t *testing.T, tool *Tool, name string, args any) (string, string) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	res, err := tool.Execute(context.Background(), name, raw)
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	return res.Content, res.Error
}

func TestWriteThenRead(t *testing.T) {
	tool, _ := newTestTool(t)

	content, errStr := call(t, tool, "write", map[string]any{"path": "/hello.txt", "content": "hello world"})
	if errStr != "" {
		t.Fatalf("write failed: %s", errStr)
	}
	var wr writeResult
	json.Unmarshal([]byte(content), &wr)
	if wr.VersionID == "" {
		t.Fatal("expected a version id")
	}

	content, errStr = call(t, tool, "read", map[string]any{"path": "/hello.txt"})
	if errStr != "" {
		t.Fatalf("read failed: %s", errStr)
	}
	var rr readResult
	json.Unmarshal([]byte(content), &rr)
	if rr.Content != "hello world" || !rr.Synced {
		t.Fatalf("unexpected read result: %+v", rr)
	}
}

func TestWriteDuplicateContentDedups(t *testing.T) {
	tool, _ := newTestTool(t)

	c1, _ := call(t, tool, "write", map[string]any{"path": "/dup.txt", "content": "same"})
	var wr1 writeResult
	json.Unmarshal([]byte(c1), &wr1)

	c2, _ := call(t, tool, "write", map[string]any{"path": "/dup.txt", "content": "same"})
	var wr2 writeResult
	json.Unmarshal([]byte(c2), &wr2)

	if wr1.VersionID != wr2.VersionID || !wr2.Dedup {
		t.Fatalf("expected dedup to the same version id, got %+v vs %+v", wr1, wr2)
	}
}

func TestEditReplaceUniqueSubstring(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/edit.txt", "content": "foo bar baz"})

	content, errStr := call(t, tool, "edit", map[string]any{"path": "/edit.txt", "old_string": "bar", "new_string": "qux"})
	if errStr != "" {
		t.Fatalf("edit failed: %s", errStr)
	}
	_ = content

	read, _ := call(t, tool, "read", map[string]any{"path": "/edit.txt"})
	var rr readResult
	json.Unmarshal([]byte(read), &rr)
	if rr.Content != "foo qux baz" {
		t.Fatalf("expected edited content, got %q", rr.Content)
	}
}

func TestEditRejectsNonUniqueSubstring(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/dup2.txt", "content": "foo foo"})

	_, errStr := call(t, tool, "edit", map[string]any{"path": "/dup2.txt", "old_string": "foo", "new_string": "bar"})
	if errStr == "" {
		t.Fatal("expected a validation error for a non-unique substring")
	}
}

func TestEditManyRejectsZeroMatches(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/em.txt", "content": "hello"})

	_, errStr := call(t, tool, "edit_many", map[string]any{"path": "/em.txt", "old_string": "missing", "new_string": "x"})
	if errStr == "" {
		t.Fatal("expected a validation error for zero matches")
	}
}

func TestMkdirIsIdempotent(t *testing.T) {
	tool, _ := newTestTool(t)
	if _, errStr := call(t, tool, "mkdir", map[string]any{"path": "/docs"}); errStr != "" {
		t.Fatalf("first mkdir failed: %s", errStr)
	}
	if _, errStr := call(t, tool, "mkdir", map[string]any{"path": "/docs"}); errStr != "" {
		t.Fatalf("second mkdir should be a no-op, got: %s", errStr)
	}
}

func TestMvRenameWithinSameFolder(t *testing.T) {
	tool, ms := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/a.txt", "content": "x"})

	if _, errStr := call(t, tool, "mv", map[string]any{"source": "/a.txt", "destination": "/b.txt"}); errStr != "" {
		t.Fatalf("mv failed: %s", errStr)
	}
	if _, err := ms.GetFileByPath(context.Background(), "ws1", "/b.txt"); err != nil {
		t.Fatal("expected /b.txt to exist after rename")
	}
	if _, err := ms.GetFileByPath(context.Background(), "ws1", "/a.txt"); err == nil {
		t.Fatal("expected /a.txt to no longer exist after rename")
	}
}

func TestMvConflictOnExistingFile(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/src.txt", "content": "x"})
	call(t, tool, "write", map[string]any{"path": "/dst.txt", "content": "y"})

	_, errStr := call(t, tool, "mv", map[string]any{"source": "/src.txt", "destination": "/dst.txt"})
	if errStr == "" {
		t.Fatal("expected a conflict error moving onto an existing file")
	}
}

func TestRmMovesToTrashAndRemovesRecord(t *testing.T) {
	tool, ms := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/gone.txt", "content": "bye"})

	if _, errStr := call(t, tool, "rm", map[string]any{"path": "/gone.txt"}); errStr != "" {
		t.Fatalf("rm failed: %s", errStr)
	}
	if _, err := ms.GetFileByPath(context.Background(), "ws1", "/gone.txt"); err == nil {
		t.Fatal("expected file record to be gone after rm")
	}
	if _, errStr := call(t, tool, "read", map[string]any{"path": "/gone.txt"}); errStr == "" {
		t.Fatal("expected read of a deleted file to fail")
	}
}

func TestLsMergesDiskOnlyEntries(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/tracked.txt", "content": "x"})

	// Write a file straight to disk that the Version Index never saw.
	root := tool.blobs.LatestRoot("ws1")
	if err := os.WriteFile(root+"/untracked.txt", []byte("y"), 0o644); err != nil {
		t.Fatalf("seed disk-only file: %v", err)
	}

	content, errStr := call(t, tool, "ls", map[string]any{"path": "/"})
	if errStr != "" {
		t.Fatalf("ls failed: %s", errStr)
	}
	var entries []lsEntry
	json.Unmarshal([]byte(content), &entries)

	var sawTracked, sawUntracked bool
	for _, e := range entries {
		if e.Name == "tracked.txt" && e.Synced {
			sawTracked = true
		}
		if e.Name == "untracked.txt" && !e.Synced {
			sawUntracked = true
		}
	}
	if !sawTracked || !sawUntracked {
		t.Fatalf("expected both a synced and an unsynced entry, got %+v", entries)
	}
}

func TestFindByNameGlob(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "mkdir", map[string]any{"path": "/notes"})
	call(t, tool, "write", map[string]any{"path": "/notes/a.md", "content": "x"})
	call(t, tool, "write", map[string]any{"path": "/notes/b.txt", "content": "y"})

	content, errStr := call(t, tool, "find", map[string]any{"path": "/notes", "name": "*.md"})
	if errStr != "" {
		t.Fatalf("find failed: %s", errStr)
	}
	var matches []findMatch
	json.Unmarshal([]byte(content), &matches)
	if len(matches) != 1 || matches[0].Name != "a.md" {
		t.Fatalf("expected exactly a.md, got %+v", matches)
	}
}

func TestGrepFindsMatchingLine(t *testing.T) {
	tool, _ := newTestTool(t)
	call(t, tool, "write", map[string]any{"path": "/search.txt", "content": "line one\nneedle here\nline three"})

	content, errStr := call(t, tool, "grep", map[string]any{"pattern": "needle"})
	if errStr != "" {
		t.Fatalf("grep failed: %s", errStr)
	}
	var matches []grepMatch
	json.Unmarshal([]byte(content), &matches)
	if len(matches) != 1 || matches[0].Line != 2 {
		t.Fatalf("expected one match on line 2, got %+v", matches)
	}
}

func TestNormalizePathRejectsParentTraversal(t *testing.T) {
	if _, err := normalizePath("/a/../b"); err == nil {
		t.Fatal("expected rejection of '..' component")
	}
}

func TestFlexIntAcceptsStringAndNumber(t *testing.T) {
	n, err := flexInt(json.RawMessage(`"42"`), 0)
	if err != nil || n != 42 {
		t.Fatalf("expected 42 from string, got %d, %v", n, err)
	}
	n, err = flexInt(json.RawMessage(`42`), 0)
	if err != nil || n != 42 {
		t.Fatalf("expected 42 from number, got %d, %v", n, err)
	}
	if _, err := flexInt(json.RawMessage(`"abc"`), 0); err == nil {
		t.Fatal("expected rejection of a non-numeric string")
	}
}
