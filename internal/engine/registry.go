package engine

import "sync"

// Registry is the process-wide map from session id to its live engine, so
// short-lived HTTP handlers can reach a streaming session to interrupt it or
// deliver a question answer. The registry holds references, never ownership:
// engines register when execute starts and unregister when destroyed.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Register adds an engine under its session id, replacing any stale entry.
func (r *Registry) Register(sessionID string, e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[sessionID] = e
}

// Unregister removes a session's entry. Removing an absent id is a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, sessionID)
}

// Get returns the live engine for a session, if any.
func (r *Registry) Get(sessionID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[sessionID]
	return e, ok
}

// Sessions returns the ids of all registered sessions.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
