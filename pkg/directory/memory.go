package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Directory implementation. It is thread-safe and
// intended for tests and single-node development setups; production
// deployments use the SQLite backend.
type Memory struct {
	mu         sync.RWMutex
	nextUserID int64
	nextGroup  int64
	users      map[int64]*User
	groups     map[int64]*Group
	// members maps user ID -> set of group IDs.
	members map[int64]map[int64]struct{}
}

var _ Directory = (*Memory)(nil)

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[int64]*User),
		groups:  make(map[int64]*Group),
		members: make(map[int64]map[int64]struct{}),
	}
}

// GetUserByName returns the user with the given name, or ErrNotFound.
func (m *Memory) GetUserByName(_ context.Context, name string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Name == name {
			return m.materializeUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// InsertUser creates a new user and returns its ID.
func (m *Memory) InsertUser(_ context.Context, user *User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Name == user.Name {
			return 0, ErrAlreadyExists
		}
	}

	m.nextUserID++
	stored := &User{
		ID:           m.nextUserID,
		Name:         user.Name,
		PasswordHash: user.PasswordHash,
		Role:         user.Role,
	}
	m.users[stored.ID] = stored
	m.members[stored.ID] = make(map[int64]struct{})
	user.ID = stored.ID
	return stored.ID, nil
}

// UpdateUser persists changes to an existing user's role and password.
func (m *Memory) UpdateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Role = user.Role
	stored.PasswordHash = user.PasswordHash
	return nil
}

// GetGroupByName returns the group with the given name, or ErrNotFound.
func (m *Memory) GetGroupByName(_ context.Context, name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.groups {
		if g.Name == name {
			return copyGroup(g), nil
		}
	}
	return nil, ErrNotFound
}

// InsertGroup creates a new group and returns its ID.
func (m *Memory) InsertGroup(_ context.Context, group *Group) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if g.Name == group.Name {
			return 0, ErrAlreadyExists
		}
	}

	m.nextGroup++
	stored := &Group{
		ID:         m.nextGroup,
		Name:       group.Name,
		Attributes: append([]Attribute(nil), group.Attributes...),
	}
	m.groups[stored.ID] = stored
	group.ID = stored.ID
	return stored.ID, nil
}

// AssignUserToGroup adds the user to the group.
func (m *Memory) AssignUserToGroup(_ context.Context, userID, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.groups[groupID]; !ok {
		return ErrNotFound
	}
	m.members[userID][groupID] = struct{}{}
	return nil
}

// DeassignUserFromGroup removes the user from the group.
func (m *Memory) DeassignUserFromGroup(_ context.Context, userID, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.members[userID], groupID)
	return nil
}

// FindGroupsByAttribute returns all groups carrying a matching attribute.
func (m *Memory) FindGroupsByAttribute(
	_ context.Context, name string, values []string, exactMatch bool,
) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Group
	for _, g := range m.groups {
		for _, attr := range g.Attributes {
			if attr.Name != name {
				continue
			}
			if matchesValue(attr.Value, values, exactMatch) {
				out = append(out, *copyGroup(g))
				break
			}
		}
	}
	// Map iteration order is random; callers expect stable output.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateGroupAttributes replaces the group's attribute set.
func (m *Memory) UpdateGroupAttributes(_ context.Context, groupID int64, attributes []Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	stored.Attributes = append([]Attribute(nil), attributes...)
	return nil
}

func matchesValue(value string, values []string, exactMatch bool) bool {
	for _, v := range values {
		if exactMatch && value == v {
			return true
		}
		if !exactMatch && strings.EqualFold(value, v) {
			return true
		}
	}
	return false
}

// materializeUser copies a stored user and attaches its current group set.
// Must be called with at least the read lock held.
func (m *Memory) materializeUser(u *User) *User {
	out := &User{
		ID:           u.ID,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
	}
	for gid := range m.members[u.ID] {
		if g, ok := m.groups[gid]; ok {
			out.Groups = append(out.Groups, *copyGroup(g))
		}
	}
	sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	return out
}

func copyGroup(g *Group) *Group {
	return &Group{
		ID:         g.ID,
		Name:       g.Name,
		Attributes: append([]Attribute(nil), g.Attributes...),
	}
}
