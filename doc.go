// Package core implements the Agentic Chat Core: a per-conversation
// actor that drives a finite-state lifecycle, streams tokens and tool
// invocations from an LLM engine to subscribers, persists an
// auditable event trail, and executes sandboxed file-system tools
// against a versioned, content-addressed workspace store.
//
// # Core Interfaces
//
// The root package defines the contracts every concrete component
// implements:
//
//   - [LLMEngine] — streaming chat backend (provider/openaicompat, provider/resolve)
//   - [Tool] — pluggable, mode-gated workspace capability
//   - [ToolRegistry] — dispatches tool calls by name across every registered Tool
//
// # Composition
//
// An actor.Actor is built from a store.Store, a storage.Store, a
// bus.Bus, a registry.Registry, an LLMEngine, and a ToolRegistry:
//
//	tools := oasis.NewToolRegistry()
//	tools.Add(fs.New(workspaceID, userID, st, blobs))
//	tools.Add(plan.New(workspaceID, userID, st, blobs))
//	tools.Add(memory.New(workspaceID, userID, st, blobs))
//	engine, _ := resolve.Provider(resolve.Config{Provider: "gemini", APIKey: apiKey, Model: model})
//	actor.Spawn(actor.SpawnConfig{Session: session, Store: st, Bus: eventBus, Registry: reg, Engine: engine, Tools: tools})
//
// See cmd/oasiscore for a complete HTTP/SSE reference server.
//
// # Included implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat APIs, resolved by provider/resolve).
// Storage: store/postgres, store/sqlite (both implement store.Store); storage (content-addressed blob tree).
// Tools: tools/fs, tools/plan, tools/memory.
// Observability: internal/telemetry (OpenTelemetry tracing/metrics/logging for tools, engine calls, and blob storage).
package core
