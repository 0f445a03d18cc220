package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oasisflow/core/actor"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/telemetry"
	"github.com/oasisflow/core/tools/fs"
)

// routes builds the §6.1 HTTP/JSON surface on the standard library's
// ServeMux, matching the teacher's own choice never to import a
// router (its outbound http.go is a tool client, not an inbound
// framework). Workspace membership and bearer-token verification are
// out of scope per spec.md §1; this reference server reads the
// caller's identity from a plain header instead of implementing a
// JWT/cookie scheme of its own.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workspaces/{ws}/chats", a.handleCreateChat)
	mux.HandleFunc("GET /api/v1/workspaces/{ws}/chats/{chat}/events", a.handleEvents)
	mux.HandleFunc("POST /api/v1/workspaces/{ws}/chats/{chat}", a.handlePostMessage)
	mux.HandleFunc("POST /api/v1/workspaces/{ws}/files", a.handleCreateFile)
	mux.HandleFunc("GET /api/v1/workspaces/{ws}/files/{id}", a.handleGetFile)
	mux.HandleFunc("PUT /api/v1/workspaces/{ws}/files/{id}", a.handlePutFile)
	mux.HandleFunc("DELETE /api/v1/workspaces/{ws}/files/{id}", a.handleDeleteFile)
	return mux
}

func callerID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func (a *App) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	var body struct {
		Persona        string `json:"persona"`
		InitialMessage string `json:"initial_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body: %v", err))
		return
	}

	chatID, err := a.createChat(r.Context(), ws, callerID(r), body.Persona, body.InitialMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chat_id": chatID})
}

func (a *App) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	chatID := r.PathValue("chat")
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body: %v", err))
		return
	}
	if body.Content == "" {
		writeError(w, errs.Validationf("content is required"))
		return
	}

	userID := callerID(r)
	if err := a.appendUserMessage(r.Context(), ws, chatID, userID, body.Content); err != nil {
		writeError(w, err)
		return
	}

	handle, err := a.ensureActor(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !handle.IsOpen() {
		writeError(w, errs.Conflictf("chat %s has no running actor", chatID))
		return
	}
	handle.Commands <- actor.CmdProcessInteraction{UserID: userID}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEvents subscribes the caller to chatID's event stream and
// relays every bus.Event as a `data: ...\n\n` SSE frame per §6.2,
// spawning the actor first so a subscriber racing a fresh chat still
// observes its session_init event.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.Internalf(nil, "streaming unsupported"))
		return
	}

	if _, err := a.ensureActor(r.Context(), chatID); err != nil {
		writeError(w, err)
		return
	}

	events, unsubscribe := a.bus.Subscribe(chatID, "connected")
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleCreateFile, handleGetFile, handlePutFile, and
// handleDeleteFile mirror §4.3's Tool Set semantics exactly, per
// §6.1's "File CRUD mirroring Tool Set semantics": each dispatches
// through the same fs.Tool the model's write/read/rm tool calls use,
// so there is exactly one code path for workspace mutation.

func (a *App) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body: %v", err))
		return
	}
	args, _ := json.Marshal(body)
	a.runFSTool(w, r, ws, "write", args, http.StatusCreated)
}

func (a *App) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	args, _ := json.Marshal(map[string]string{"path": r.PathValue("id")})
	a.runFSTool(w, r, ws, "read", args, http.StatusOK)
}

func (a *App) handlePutFile(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body: %v", err))
		return
	}
	args, _ := json.Marshal(map[string]string{"path": r.PathValue("id"), "content": body.Content})
	a.runFSTool(w, r, ws, "write", args, http.StatusOK)
}

func (a *App) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	args, _ := json.Marshal(map[string]string{"path": r.PathValue("id")})
	a.runFSTool(w, r, ws, "rm", args, http.StatusOK)
}

func (a *App) runFSTool(w http.ResponseWriter, r *http.Request, workspaceID, toolName string, args json.RawMessage, successStatus int) {
	tool := telemetry.WrapTool(fs.New(workspaceID, callerID(r), a.store, a.blobs), a.inst)
	result, err := tool.Execute(r.Context(), toolName, args)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Error != "" {
		writeError(w, errs.Validationf("%s", result.Error))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(successStatus)
	w.Write([]byte(result.Content))
}

func (a *App) appendUserMessage(ctx context.Context, workspaceID, chatID, userID, content string) error {
	return a.store.AppendMessage(ctx, newUserMessage(workspaceID, chatID, content))
}
