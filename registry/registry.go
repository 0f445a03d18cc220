// Package registry implements the in-process session registry: a
// mapping from chat_id to the running actor's command channel, so
// every request for a chat finds (or spawns) exactly one actor for it.
package registry

import "sync"

// Handle is what the registry stores per chat: enough to deliver
// commands to a running actor, and a way to tell if it has already
// shut down.
type Handle struct {
	// Commands is the actor's command channel. The actor does not close
	// it on shutdown; IsOpen reports whether the actor has shut down.
	Commands chan<- any
	// closed is set by the actor on shutdown so Lookup can evict a
	// handle whose receiver has already gone away, without relying on
	// a panic-prone send-on-closed-channel check.
	closed *bool
}

// NewHandle wraps a command channel and its shutdown flag into a
// registry-storable Handle. closed must be written to exactly once,
// by the actor's own goroutine, when it exits its run loop.
func NewHandle(commands chan<- any, closed *bool) Handle {
	return Handle{Commands: commands, closed: closed}
}

// IsOpen reports whether the actor behind this handle is still
// running.
func (h Handle) IsOpen() bool {
	return h.closed == nil || !*h.closed
}

// Registry maps chat_id to actor Handle.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Lookup returns the handle registered for chatID, following spec.md
// §4.5's present-and-open / present-and-closed-evict / absent rules.
// The second return value reports whether an open handle was found.
func (r *Registry) Lookup(chatID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[chatID]
	if !ok {
		return Handle{}, false
	}
	if !h.IsOpen() {
		delete(r.handles, chatID)
		return Handle{}, false
	}
	return h, true
}

// Register installs a handle for chatID, replacing any existing entry.
// Callers must have already confirmed via Lookup that no open actor
// exists, to avoid orphaning a running one.
func (r *Registry) Register(chatID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[chatID] = h
}

// Evict removes chatID's handle unconditionally, used when an actor
// shuts down and wants to guarantee the next lookup spawns fresh.
func (r *Registry) Evict(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, chatID)
}

// Len reports the number of registered (not necessarily open) handles,
// for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
