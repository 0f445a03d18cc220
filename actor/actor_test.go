package actor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/bus"
	"github.com/oasisflow/core/registry"
	"github.com/oasisflow/core/store"
)

// --- fakeStore: a minimal in-memory store.Store for actor tests ---

type fakeStore struct {
	mu       sync.Mutex
	messages []store.ChatMessage
	sessions map[string]store.AgentSession
}

func newFakeStore(session store.AgentSession) *fakeStore {
	return &fakeStore{sessions: map[string]store.AgentSession{session.ChatID: session}}
}

func (f *fakeStore) AppendMessage(_ context.Context, m store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, fileID string, limit int) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChatMessage
	for _, m := range f.messages {
		if m.FileID == fileID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) GetAgentSessionByChatID(_ context.Context, chatID string) (store.AgentSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[chatID]
	return s, ok, nil
}

func (f *fakeStore) UpdateAgentSession(_ context.Context, s store.AgentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ChatID] = s
	return nil
}

func (f *fakeStore) Touch(_ context.Context, _ string, _ int64) error { return nil }

func (f *fakeStore) statusOf(chatID string) store.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[chatID].Status
}

// Unexercised Store methods: stubbed to satisfy the interface.
func (f *fakeStore) CreateFile(context.Context, store.File) error { return nil }
func (f *fakeStore) GetFile(context.Context, string, string) (store.File, error) {
	return store.File{}, nil
}
func (f *fakeStore) GetFileByPath(context.Context, string, string) (store.File, error) {
	return store.File{}, nil
}
func (f *fakeStore) ListChildren(context.Context, string, *string) ([]store.File, error) {
	return nil, nil
}
func (f *fakeStore) UpdateFile(context.Context, store.File) error { return nil }
func (f *fakeStore) RewriteDescendantPaths(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeStore) DeleteFile(context.Context, string, string) error            { return nil }
func (f *fakeStore) CreateFileVersion(context.Context, store.FileVersion) error  { return nil }
func (f *fakeStore) GetFileVersion(context.Context, string) (store.FileVersion, error) {
	return store.FileVersion{}, nil
}
func (f *fakeStore) GetLatestVersion(context.Context, string) (store.FileVersion, error) {
	return store.FileVersion{}, nil
}
func (f *fakeStore) FindVersionByHash(context.Context, string, string) (store.FileVersion, bool, error) {
	return store.FileVersion{}, false, nil
}
func (f *fakeStore) EnqueueArchiveCleanup(context.Context, string, string) error { return nil }
func (f *fakeStore) DequeueArchiveCleanupBatch(context.Context, int) ([]store.ArchiveCleanupEntry, error) {
	return nil, nil
}
func (f *fakeStore) DeleteArchiveCleanupEntry(context.Context, string, string) error { return nil }
func (f *fakeStore) HashReferenced(context.Context, string, string) (bool, error)   { return false, nil }
func (f *fakeStore) CreateAgentSession(context.Context, store.AgentSession) error   { return nil }
func (f *fakeStore) StaleSessions(context.Context, int64) ([]store.AgentSession, error) {
	return nil, nil
}
func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

var _ store.Store = (*fakeStore)(nil)

// --- fakeEngine: scripted LLMEngine, one []oasis.StreamItem per turn ---

type fakeEngine struct {
	mu    sync.Mutex
	turns [][]oasis.StreamItem
	calls int
}

func (e *fakeEngine) StreamChat(_ context.Context, _ oasis.ChatRequest) (<-chan oasis.StreamItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls >= len(e.turns) {
		return nil, errors.New("fakeEngine: no more scripted turns")
	}
	items := e.turns[e.calls]
	e.calls++
	ch := make(chan oasis.StreamItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch, nil
}

func (e *fakeEngine) Name() string { return "fake" }

// errEngine always fails StreamChat with a fixed error.
type errEngine struct{ err error }

func (e *errEngine) StreamChat(context.Context, oasis.ChatRequest) (<-chan oasis.StreamItem, error) {
	return nil, e.err
}
func (e *errEngine) Name() string { return "fake-error" }

// gatedEngine streams one item, signals item1Sent, then blocks on resume
// before streaming the rest — used to land a Cancel command mid-turn.
type gatedEngine struct {
	item1Sent chan struct{}
	resume    chan struct{}
}

func (e *gatedEngine) StreamChat(ctx context.Context, _ oasis.ChatRequest) (<-chan oasis.StreamItem, error) {
	ch := make(chan oasis.StreamItem)
	go func() {
		defer close(ch)
		select {
		case ch <- oasis.StreamItem{Kind: oasis.StreamItemText, Text: "partial"}:
		case <-ctx.Done():
			return
		}
		close(e.item1Sent)
		select {
		case <-e.resume:
		case <-ctx.Done():
			return
		}
		select {
		case ch <- oasis.StreamItem{Kind: oasis.StreamItemText, Text: " more"}:
		case <-ctx.Done():
			return
		}
		ch <- oasis.StreamItem{Kind: oasis.StreamItemDone}
	}()
	return ch, nil
}

func (e *gatedEngine) Name() string { return "fake-gated" }

// --- echoTool: a trivial oasis.Tool for tool-call turns ---

type echoTool struct{}

func (echoTool) Definitions() []oasis.ToolDefinition {
	return []oasis.ToolDefinition{{Name: "echo", Description: "echoes its input"}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (oasis.ToolResult, error) {
	return oasis.ToolResult{Content: string(args)}, nil
}

// --- test helpers ---

func newTestSession(chatID string) store.AgentSession {
	return store.AgentSession{
		ID:          "sess-1",
		WorkspaceID: "ws-1",
		ChatID:      chatID,
		UserID:      "user-1",
		AgentType:   store.AgentTypeAssistant,
		Status:      store.StatusIdle,
		Mode:        store.ModeChat,
	}
}

func seedUserMessage(fs *fakeStore, fileID, workspaceID, content string) {
	fs.messages = append(fs.messages, store.ChatMessage{
		ID:          "msg-seed",
		FileID:      fileID,
		WorkspaceID: workspaceID,
		Role:        store.RoleUser,
		Content:     content,
	})
}

func drainEvent(t *testing.T, ch <-chan bus.Event, want bus.EventType, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

// --- tests ---

func TestActor_SimpleCompletion(t *testing.T) {
	const chatID, fileID, wsID = "chat-1", "file-1", "ws-1"
	fs := newFakeStore(newTestSession(chatID))
	seedUserMessage(fs, fileID, wsID, "hello there")

	b := bus.New()
	events, unsub := b.Subscribe(chatID, "idle")
	defer unsub()

	engine := &fakeEngine{turns: [][]oasis.StreamItem{
		{
			{Kind: oasis.StreamItemText, Text: "Hi"},
			{Kind: oasis.StreamItemText, Text: " there!"},
			{Kind: oasis.StreamItemDone},
		},
	}}

	reg := registry.New()
	handle := Spawn(SpawnConfig{
		Session: newTestSession(chatID),
		FileID:  fileID,
		Store:   fs,
		Bus:     b,
		Registry: reg,
		Engine:  engine,
		Tools:   oasis.NewToolRegistry(),
		Persona: "You are helpful.",
	})
	reg.Register(chatID, handle)

	handle.Commands <- CmdProcessInteraction{UserID: "user-1"}

	drainEvent(t, events, bus.EventStateChanged, time.Second) // Idle -> Running
	drainEvent(t, events, bus.EventChunk, time.Second)
	drainEvent(t, events, bus.EventDone, time.Second)
	drainEvent(t, events, bus.EventStateChanged, time.Second) // Running -> Idle

	deadline := time.Now().Add(time.Second)
	for fs.statusOf(chatID) != store.StatusIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := fs.statusOf(chatID); got != store.StatusIdle {
		t.Fatalf("expected session status idle, got %s", got)
	}

	fs.mu.Lock()
	var assistant *store.ChatMessage
	for i := range fs.messages {
		if fs.messages[i].Role == store.RoleAssistant {
			assistant = &fs.messages[i]
		}
	}
	fs.mu.Unlock()
	if assistant == nil {
		t.Fatal("expected a persisted assistant message")
	}
	if assistant.Content != "Hi there!" {
		t.Errorf("expected content %q, got %q", "Hi there!", assistant.Content)
	}
}

func TestActor_ToolCallLoop(t *testing.T) {
	const chatID, fileID, wsID = "chat-2", "file-2", "ws-2"
	fs := newFakeStore(newTestSession(chatID))
	seedUserMessage(fs, fileID, wsID, "please echo foo")

	b := bus.New()
	events, unsub := b.Subscribe(chatID, "idle")
	defer unsub()

	engine := &fakeEngine{turns: [][]oasis.StreamItem{
		{
			{Kind: oasis.StreamItemToolCall, ToolCall: oasis.ToolCall{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"x":1}`)}},
			{Kind: oasis.StreamItemDone},
		},
		{
			{Kind: oasis.StreamItemText, Text: "done"},
			{Kind: oasis.StreamItemDone},
		},
	}}

	tools := oasis.NewToolRegistry()
	tools.Add(echoTool{})

	reg := registry.New()
	handle := Spawn(SpawnConfig{
		Session:  newTestSession(chatID),
		FileID:   fileID,
		Store:    fs,
		Bus:      b,
		Registry: reg,
		Engine:   engine,
		Tools:    tools,
	})
	reg.Register(chatID, handle)

	handle.Commands <- CmdProcessInteraction{UserID: "user-1"}

	drainEvent(t, events, bus.EventCall, time.Second)
	drainEvent(t, events, bus.EventObservation, time.Second)
	drainEvent(t, events, bus.EventDone, time.Second)

	deadline := time.Now().Add(time.Second)
	var sawToolResult bool
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		for _, m := range fs.messages {
			if m.Role == store.RoleTool {
				sawToolResult = true
			}
		}
		fs.mu.Unlock()
		if sawToolResult {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !sawToolResult {
		t.Fatal("expected a persisted tool result message")
	}
}

func TestActor_CancelMidStream(t *testing.T) {
	const chatID, fileID, wsID = "chat-3", "file-3", "ws-3"
	fs := newFakeStore(newTestSession(chatID))
	seedUserMessage(fs, fileID, wsID, "tell me a long story")

	b := bus.New()
	events, unsub := b.Subscribe(chatID, "idle")
	defer unsub()

	engine := &gatedEngine{item1Sent: make(chan struct{}), resume: make(chan struct{})}

	reg := registry.New()
	handle := Spawn(SpawnConfig{
		Session:  newTestSession(chatID),
		FileID:   fileID,
		Store:    fs,
		Bus:      b,
		Registry: reg,
		Engine:   engine,
		Tools:    oasis.NewToolRegistry(),
	})
	reg.Register(chatID, handle)

	handle.Commands <- CmdProcessInteraction{UserID: "user-1"}

	select {
	case <-engine.item1Sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first streamed item")
	}

	ack := make(chan error, 1)
	handle.Commands <- CmdCancel{Reason: "user cancelled", Ack: ack}
	if err := <-ack; err != nil {
		t.Fatalf("unexpected cancel rejection: %v", err)
	}
	close(engine.resume)

	drainEvent(t, events, bus.EventStateChanged, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, open := reg.Lookup(chatID); !open {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, open := reg.Lookup(chatID); open {
		t.Fatal("expected actor to be evicted from the registry after Cancel")
	}
	if got := fs.statusOf(chatID); got != store.StatusCancelled {
		t.Fatalf("expected session status cancelled, got %s", got)
	}
}

func TestActor_FatalErrorTransitionsToError(t *testing.T) {
	const chatID, fileID, wsID = "chat-4", "file-4", "ws-4"
	fs := newFakeStore(newTestSession(chatID))
	seedUserMessage(fs, fileID, wsID, "hello")

	b := bus.New()
	events, unsub := b.Subscribe(chatID, "idle")
	defer unsub()

	engine := &errEngine{err: &oasis.ErrHTTP{Status: 401, Body: "unauthorized"}}

	reg := registry.New()
	handle := Spawn(SpawnConfig{
		Session:  newTestSession(chatID),
		FileID:   fileID,
		Store:    fs,
		Bus:      b,
		Registry: reg,
		Engine:   engine,
		Tools:    oasis.NewToolRegistry(),
	})
	reg.Register(chatID, handle)

	handle.Commands <- CmdProcessInteraction{UserID: "user-1"}

	drainEvent(t, events, bus.EventError, time.Second)

	deadline := time.Now().Add(time.Second)
	for fs.statusOf(chatID) != store.StatusError && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := fs.statusOf(chatID); got != store.StatusError {
		t.Fatalf("expected session status error, got %s", got)
	}
}

func TestActor_RecoverableErrorReturnsToIdle(t *testing.T) {
	const chatID, fileID, wsID = "chat-5", "file-5", "ws-5"
	fs := newFakeStore(newTestSession(chatID))
	seedUserMessage(fs, fileID, wsID, "hello")

	b := bus.New()
	events, unsub := b.Subscribe(chatID, "idle")
	defer unsub()

	engine := &errEngine{err: &oasis.ErrHTTP{Status: 429, Body: "rate limited"}}

	reg := registry.New()
	handle := Spawn(SpawnConfig{
		Session:  newTestSession(chatID),
		FileID:   fileID,
		Store:    fs,
		Bus:      b,
		Registry: reg,
		Engine:   engine,
		Tools:    oasis.NewToolRegistry(),
	})
	reg.Register(chatID, handle)

	handle.Commands <- CmdProcessInteraction{UserID: "user-1"}

	drainEvent(t, events, bus.EventError, time.Second)

	deadline := time.Now().Add(time.Second)
	for fs.statusOf(chatID) != store.StatusIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := fs.statusOf(chatID); got != store.StatusIdle {
		t.Fatalf("expected session status idle (recoverable), got %s", got)
	}
	if _, open := reg.Lookup(chatID); !open {
		t.Fatal("expected actor to remain registered after a recoverable error")
	}
}

func TestIsRecoverableErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&oasis.ErrHTTP{Status: 429}, true},
		{&oasis.ErrHTTP{Status: 503}, true},
		{&oasis.ErrHTTP{Status: 504}, true},
		{&oasis.ErrHTTP{Status: 401}, false},
		{&oasis.ErrHTTP{Status: 500}, false},
		{errors.New("some other error"), false},
	}
	for _, tt := range tests {
		if got := isRecoverableErr(tt.err); got != tt.want {
			t.Errorf("isRecoverableErr(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
