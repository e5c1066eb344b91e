package conversation

import (
	"sync"

	"github.com/google/uuid"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/providers"
)

// Registry owns the live conversation sessions. Sessions never expire on
// their own; they live until dropped or the process exits.
type Registry struct {
	providers *providers.Registry
	deps      Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry backed by the given provider
// registry and shared session dependencies.
func NewRegistry(prov *providers.Registry, deps Deps) *Registry {
	return &Registry{
		providers: prov,
		deps:      deps,
		sessions:  make(map[string]*Session),
	}
}

// Create builds a session and stores it under id (a fresh UUID when empty).
// An existing session under the same id is replaced wholesale.
func (r *Registry) Create(id, apiKey, provider, model string, availableModels []string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	gw := llm.NewGateway(r.providers, provider, apiKey)
	s := newSession(id, gw, model, availableModels, r.deps)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no conversation %s", id)
	}
	return s, nil
}

// Drop removes the session for id. Dropping an unknown id is a no-op.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// IDs returns the ids of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}
