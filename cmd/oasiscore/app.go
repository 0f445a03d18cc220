package main

import (
	"context"
	"log/slog"
	"time"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/actor"
	"github.com/oasisflow/core/bus"
	"github.com/oasisflow/core/internal/config"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/idgen"
	"github.com/oasisflow/core/internal/telemetry"
	"github.com/oasisflow/core/registry"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
	"github.com/oasisflow/core/tools/fs"
	"github.com/oasisflow/core/tools/memory"
	"github.com/oasisflow/core/tools/plan"
)

// App holds every collaborator the HTTP surface needs: the
// relational store, the versioned blob tree, the event bus, the
// actor registry, and the LLM engine every actor streams against.
// Exactly one App exists per process, mirroring the teacher's single
// *oasis.Agent composition root in cmd/oasis.
type App struct {
	store    store.Store
	blobs    *storage.Store
	bus      *bus.Bus
	registry *registry.Registry
	engine   oasis.LLMEngine
	inst     *telemetry.Instruments
	cfg      config.Config
	logger   *slog.Logger
}

// ensureActor returns a running actor for chatID, spawning one from
// the persisted AgentSession if the registry has no open handle —
// the rehydration path spec.md §4.5 describes for a process restart
// or a chat whose actor has already idled out.
func (a *App) ensureActor(ctx context.Context, chatID string) (registry.Handle, error) {
	if h, ok := a.registry.Lookup(chatID); ok {
		return h, nil
	}

	session, found, err := a.store.GetAgentSessionByChatID(ctx, chatID)
	if err != nil {
		return registry.Handle{}, errs.Internalf(err, "load agent session %s", chatID)
	}
	if !found {
		return registry.Handle{}, errs.NotFoundf("no chat session %s", chatID)
	}

	tools := oasis.NewToolRegistry()
	tools.Add(telemetry.WrapTool(fs.New(session.WorkspaceID, session.UserID, a.store, a.blobs), a.inst))
	tools.Add(telemetry.WrapTool(plan.New(session.WorkspaceID, session.UserID, a.store, a.blobs), a.inst))
	tools.Add(telemetry.WrapTool(memory.New(session.WorkspaceID, session.UserID, a.store, a.blobs), a.inst))

	h := actor.Spawn(actor.SpawnConfig{
		Session:           session,
		FileID:            chatID,
		Store:             a.store,
		Bus:               a.bus,
		Registry:          a.registry,
		Engine:            a.engine,
		Tools:             tools,
		Persona:           a.cfg.AI.DefaultPersona,
		TokenBudget:       a.cfg.AI.ContextTokenLimit,
		CommandQueueCap:   a.cfg.Actor.CommandQueueCapacity,
		InactivityTimeout: time.Duration(a.cfg.Actor.InactivityTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(a.cfg.Actor.HeartbeatIntervalSeconds) * time.Second,
		Logger:            a.logger,
	})
	a.registry.Register(chatID, h)
	return h, nil
}

// createChat creates the File anchor and AgentSession row for a new
// chat and appends its seed goal message, per §6.1's
// "Create a chat file, seed initial goal message" contract. The
// actor itself is spawned lazily by the first ensureActor call, not
// here, so creating a chat never blocks on an LLM engine being
// reachable.
func (a *App) createChat(ctx context.Context, workspaceID, userID, persona, initialMessage string) (string, error) {
	chatID := idgen.New()
	now := idgen.NowUnix()

	file := store.File{
		ID:          chatID,
		WorkspaceID: workspaceID,
		Name:        "chat",
		Slug:        "chat-" + chatID[:8],
		Path:        "/chats/" + chatID,
		FileType:    store.FileTypeChat,
		Status:      store.FileStatusReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateFile(ctx, file); err != nil {
		return "", errs.Internalf(err, "create chat file")
	}

	session := store.AgentSession{
		ID:            idgen.New(),
		WorkspaceID:   workspaceID,
		ChatID:        chatID,
		UserID:        userID,
		AgentType:     store.AgentTypeAssistant,
		Status:        store.StatusIdle,
		Mode:          store.ModeChat,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateAgentSession(ctx, session); err != nil {
		return "", errs.Internalf(err, "create agent session")
	}

	if initialMessage != "" {
		if err := a.store.AppendMessage(ctx, newUserMessage(workspaceID, chatID, initialMessage)); err != nil {
			return "", errs.Internalf(err, "seed chat goal message")
		}
	}

	return chatID, nil
}

// newUserMessage builds the append-only ChatMessage row for one
// user-authored turn, shared by chat creation's seed message and the
// §6.1 "append a user message" endpoint.
func newUserMessage(workspaceID, chatID, content string) store.ChatMessage {
	return store.ChatMessage{
		ID:          idgen.New(),
		FileID:      chatID,
		WorkspaceID: workspaceID,
		Role:        store.RoleUser,
		Content:     content,
		Metadata:    store.MessageMetadata{MessageType: store.MessageTypeMessage},
		CreatedAt:   idgen.NowUnix(),
	}
}
