// Package registry tracks every live session by its connection identity.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

var (
	// ErrDuplicateIdentity is returned when registering an identity that is
	// already live.
	ErrDuplicateIdentity = errors.New("duplicate identity")
	// ErrNotFound is returned when an identity is not registered.
	ErrNotFound = errors.New("identity not found")
	// ErrAlreadyAbsent is informational: Deregister found nothing to remove.
	ErrAlreadyAbsent = errors.New("identity already absent")
)

// Registry maps identity to session, one entry per live connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Register adds a session under id. The registry is left unchanged on error.
func (r *Registry) Register(id string, s *session.Session) error {
	if id == "" || s == nil {
		return fmt.Errorf("register: empty identity or nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	r.sessions[id] = s
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Deregister removes id. Removing an absent identity is safe and reports
// ErrAlreadyAbsent, which callers may ignore. Room membership is not touched.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrAlreadyAbsent
	}
	delete(r.sessions, id)
	return nil
}

// Sessions returns a snapshot of every registered session ordered by identity.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
