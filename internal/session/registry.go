package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session ID is unknown to the Registry.
var ErrSessionNotFound = errors.New("session not found")

// Registry keeps the Store of every open conversation, one per results page.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Store
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Store)}
}

// Create registers a new Store under a fresh ID.
func (r *Registry) Create() *Store {
	s := New(uuid.New().String())

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	return s
}

// Get returns the Store registered under id.
func (r *Registry) Get(id string) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove forgets the Store registered under id and returns it. Its in-flight request, if any, is
// left to the caller.
func (r *Registry) Remove(id string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, id)
	return s, nil
}

// Close cancels the in-flight request of every session and forgets them all.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.CancelRequest()
		delete(r.sessions, id)
	}
}
