// Package room tracks named groups of connection identities used to scope
// broadcasts. Rooms exist exactly while they have members.
package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a room does not exist or the identity is
	// not one of its members.
	ErrNotFound = errors.New("room membership not found")
	// ErrInvalidName is returned for empty room names or identities.
	ErrInvalidName = errors.New("invalid room name or identity")
)

type room struct {
	name    string
	members map[string]struct{}
	created time.Time
}

// Info is a point-in-time description of a room.
type Info struct {
	Name    string    `json:"name"`
	Members int       `json:"members"`
	Created time.Time `json:"created"`
}

// Manager owns every room. All membership changes, and the implicit
// creation and deletion of rooms they cause, happen under one writer lock.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	memberOf map[string]map[string]struct{}

	// OnChange, if set, is called with the room count after a room is
	// created or deleted. It runs with the lock held and must not call back
	// into the manager.
	OnChange func(rooms int)
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		rooms:    make(map[string]*room),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// Join adds identity to the room, creating the room if needed. Joining twice
// has no additional effect. It reports whether the room was created.
func (m *Manager) Join(name, identity string) (bool, error) {
	if name == "" || identity == "" {
		return false, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	created := false
	r, ok := m.rooms[name]
	if !ok {
		r = m.createLocked(name)
		created = true
	}
	r.members[identity] = struct{}{}

	joined, ok := m.memberOf[identity]
	if !ok {
		joined = make(map[string]struct{})
		m.memberOf[identity] = joined
	}
	joined[name] = struct{}{}

	return created, nil
}

// Leave removes identity from the room and deletes the room once it is
// empty. It returns ErrNotFound if the room is absent or identity is not a
// member.
func (m *Manager) Leave(name, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[name]
	if !ok {
		return fmt.Errorf("%w: room %q", ErrNotFound, name)
	}
	if _, member := r.members[identity]; !member {
		return fmt.Errorf("%w: %s not in %q", ErrNotFound, identity, name)
	}

	m.removeLocked(r, identity)
	return nil
}

// LeaveAll removes identity from every room and returns the rooms it left,
// sorted. It must run before the identity's session is released.
func (m *Manager) LeaveAll(identity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := m.memberOf[identity]
	left := make([]string, 0, len(joined))
	for name := range joined {
		if r, ok := m.rooms[name]; ok {
			m.removeLocked(r, identity)
		}
		left = append(left, name)
	}
	delete(m.memberOf, identity)

	sort.Strings(left)
	return left
}

// Members returns a sorted copy of the room's membership. The copy does not
// follow later changes. An absent room has no members.
func (m *Manager) Members(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether identity belongs to the room.
func (m *Manager) IsMember(name, identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[name]
	if !ok {
		return false
	}
	_, member := r.members[identity]
	return member
}

// Exists reports whether the room currently has members.
func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[name]
	return ok
}

// RoomsOf returns the rooms identity belongs to, sorted.
func (m *Manager) RoomsOf(identity string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.memberOf[identity]
	out := make([]string, 0, len(joined))
	for name := range joined {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Rooms describes every room, sorted by name.
func (m *Manager) Rooms() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, Info{Name: r.name, Members: len(r.members), Created: r.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) createLocked(name string) *room {
	r := &room{
		name:    name,
		members: make(map[string]struct{}),
		created: time.Now(),
	}
	m.rooms[name] = r
	m.changedLocked()
	return r
}

func (m *Manager) removeLocked(r *room, identity string) {
	delete(r.members, identity)
	if joined, ok := m.memberOf[identity]; ok {
		delete(joined, r.name)
		if len(joined) == 0 {
			delete(m.memberOf, identity)
		}
	}
	if len(r.members) == 0 {
		delete(m.rooms, r.name)
		m.changedLocked()
	}
}

func (m *Manager) changedLocked() {
	if m.OnChange != nil {
		m.OnChange(len(m.rooms))
	}
}
