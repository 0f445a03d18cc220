package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

type memStore struct {
	files    map[string]store.File
	byPath   map[string]string
	versions map[string]store.FileVersion
}

func newMemStore() *memStore {
	return &memStore{files: map[string]store.File{}, byPath: map[string]string{}, versions: map[string]store.FileVersion{}}
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func (m *memStore) CreateFile(_ context.Context, f store.File) error {
	m.files[f.ID] = f
	m.byPath[f.WorkspaceID+"\x00"+f.Path] = f.ID
	return nil
}
func (m *memStore) GetFile(_ context.Context, _, id string) (store.File, error) {
	f, ok := m.files[id]
	if !ok {
		return store.File{}, errNotFound
	}
	return f, nil
}
func (m *memStore) GetFileByPath(_ context.Context, workspaceID, path string) (store.File, error) {
	id, ok := m.byPath[workspaceID+"\x00"+path]
	if !ok {
		return store.File{}, errNotFound
	}
	return m.files[id], nil
}
func (m *memStore) ListChildren(context.Context, string, *string) ([]store.File, error) { return nil, nil }
func (m *memStore) UpdateFile(_ context.Context, f store.File) error {
	old := m.files[f.ID]
	delete(m.byPath, old.WorkspaceID+"\x00"+old.Path)
	m.files[f.ID] = f
	m.byPath[f.WorkspaceID+"\x00"+f.Path] = f.ID
	return nil
}
func (m *memStore) RewriteDescendantPaths(context.Context, string, string, string, string) error {
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
		return store.FileVersion{}, errNotFound
	}
	return v, nil
}
func (m *memStore) GetLatestVersion(_ context.Context, fileID string) (store.FileVersion, error) {
	f, ok := m.files[fileID]
	if !ok || f.LatestVersionID == nil {
		return store.FileVersion{}, errNotFound
	}
	return m.versions[*f.LatestVersionID], nil
}
func (m *memStore) FindVersionByHash(context.Context, string, string) (store.FileVersion, bool, error) {
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

func newTestTool(t *testing.T, userID string) *Tool {
	t.Helper()
	ms := newMemStore()
	blobs := storage.New(t.TempDir())
	if err := blobs.Init(context.Background()); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	return New("ws1", userID, ms, blobs)
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

func TestMemorySetAndGetUserScoped(t *testing.T) {
	tool := newTestTool(t, "alice")
	_, errStr := call(t, tool, "memory_set", map[string]any{
		"scope": "user", "category": "preferences", "key": "editor", "title": "Editor", "body": "uses vim",
	})
	if errStr != "" {
		t.Fatalf("memory_set failed: %s", errStr)
	}

	content, errStr := call(t, tool, "memory_get", map[string]any{"scope": "user", "category": "preferences", "key": "editor"})
	if errStr != "" {
		t.Fatalf("memory_get failed: %s", errStr)
	}
	var got memoryResult
	json.Unmarshal([]byte(content), &got)
	if got.Body != "uses vim" || got.Path != "/users/alice/memories/preferences/editor.md" {
		t.Fatalf("unexpected memory: %+v", got)
	}
}

func TestMemoryUserScopeIsAlwaysTheActingUser(t *testing.T) {
	alice := newTestTool(t, "alice")
	call(t, alice, "memory_set", map[string]any{"scope": "user", "category": "notes", "key": "x", "body": "alice's note"})

	bob := New("ws1", "bob", alice.store, alice.blobs)
	// bob's memory_get for the same category/key resolves under his own
	// path, never alice's — there is no parameter through which bob could
	// even name alice's memory file.
	_, errStr := call(t, bob, "memory_get", map[string]any{"scope": "user", "category": "notes", "key": "x"})
	if errStr == "" {
		t.Fatal("expected bob's lookup to miss, since it resolves to his own path, not alice's")
	}
}

func TestMemoryGlobalScopeSharedAcrossUsers(t *testing.T) {
	alice := newTestTool(t, "alice")
	call(t, alice, "memory_set", map[string]any{"scope": "global", "category": "glossary", "key": "fsm", "body": "finite state machine"})

	bob := New("ws1", "bob", alice.store, alice.blobs)
	// bob shares alice's store and storage: a global write is not tied
	// to either user's own directory, so bob reads it at the shared path.
	content, errStr := call(t, bob, "memory_get", map[string]any{"scope": "global", "category": "glossary", "key": "fsm"})
	if errStr != "" {
		t.Fatalf("memory_get failed: %s", errStr)
	}
	var got memoryResult
	json.Unmarshal([]byte(content), &got)
	if got.Path != "/memories/glossary/fsm.md" {
		t.Fatalf("expected the shared global path, got %q", got.Path)
	}
}

func TestMemorySearchFindsSubstring(t *testing.T) {
	tool := newTestTool(t, "alice")
	call(t, tool, "memory_set", map[string]any{"scope": "user", "category": "notes", "key": "one", "body": "remember the needle phrase"})
	call(t, tool, "memory_set", map[string]any{"scope": "user", "category": "notes", "key": "two", "body": "unrelated text"})

	content, errStr := call(t, tool, "memory_search", map[string]any{"query": "needle"})
	if errStr != "" {
		t.Fatalf("memory_search failed: %s", errStr)
	}
	var matches []searchMatch
	json.Unmarshal([]byte(content), &matches)
	if len(matches) != 1 || !strings.Contains(matches[0].Line, "needle") {
		t.Fatalf("expected exactly one match, got %+v", matches)
	}
}

func TestMemoryListAndDelete(t *testing.T) {
	tool := newTestTool(t, "alice")
	call(t, tool, "memory_set", map[string]any{"scope": "user", "category": "notes", "key": "a", "body": "x"})
	call(t, tool, "memory_set", map[string]any{"scope": "user", "category": "notes", "key": "b", "body": "y"})

	content, errStr := call(t, tool, "memory_list", map[string]any{"scope": "user"})
	if errStr != "" {
		t.Fatalf("memory_list failed: %s", errStr)
	}
	var entries []listEntry
	json.Unmarshal([]byte(content), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}

	if _, errStr := call(t, tool, "memory_delete", map[string]any{"scope": "user", "category": "notes", "key": "a"}); errStr != "" {
		t.Fatalf("memory_delete failed: %s", errStr)
	}
	content, _ = call(t, tool, "memory_list", map[string]any{"scope": "user"})
	json.Unmarshal([]byte(content), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after delete, got %+v", entries)
	}
}
