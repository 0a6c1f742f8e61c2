package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"modguard.org/internal/roles"
)

// Store persists users and groups. All mutations of membership and admin sets
// go through coordinator-approved operations; the store itself enforces only
// structural invariants (admins ⊆ members, no deletes of users).
type Store interface {
	EnsureUser(ctx context.Context, id string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	SetUserRole(ctx context.Context, id string, role roles.Role) (User, error)
	DeactivateUser(ctx context.Context, id string) (User, error)

	CreateGroup(ctx context.Context, id, ownerID string) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	PromoteAdmin(ctx context.Context, groupID, userID string) error
	DemoteAdmin(ctx context.Context, groupID, userID string) error
	SetGroupSetting(ctx context.Context, groupID, key, value string) error
	UnsetGroupSetting(ctx context.Context, groupID, key string) error
}

// InMemory implements Store with in-process concurrency safety.
// NOTE: the durable implementation lives in internal/store/pg.
type InMemory struct {
	mu     sync.RWMutex
	users  map[string]*User
	groups map[string]*Group
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
	}
}

func (s *InMemory) EnsureUser(ctx context.Context, id string) (User, error) {
	id, err := normalizeID(id)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return *u, nil
	}
	now := time.Now().UTC()
	u := &User{ID: id, Role: roles.RoleMember, Active: true, CreatedAt: now, UpdatedAt: now}
	s.users[id] = u
	return *u, nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) SetUserRole(ctx context.Context, id string, role roles.Role) (User, error) {
	if _, err := roles.ParseRole(string(role)); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (s *InMemory) DeactivateUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Active = false
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (s *InMemory) CreateGroup(ctx context.Context, id, ownerID string) (Group, error) {
	id, err := normalizeID(id)
	if err != nil {
		return Group{}, err
	}
	ownerID, err = normalizeID(ownerID)
	if err != nil {
		return Group{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; ok {
		return Group{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	g := &Group{
		ID:        id,
		OwnerID:   ownerID,
		Members:   map[string]struct{}{ownerID: {}},
		Admins:    map[string]struct{}{},
		Settings:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.groups[id] = g
	return g.clone(), nil
}

func (s *InMemory) GetGroup(ctx context.Context, id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g.clone(), nil
}

func (s *InMemory) AddMember(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(groupID, func(g *Group) error {
		g.Members[userID] = struct{}{}
		return nil
	})
}

func (s *InMemory) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(groupID, func(g *Group) error {
		delete(g.Members, userID)
		delete(g.Admins, userID)
		delete(g.Settings, ModeratorKey(userID))
		return nil
	})
}

func (s *InMemory) PromoteAdmin(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(groupID, func(g *Group) error {
		if _, ok := g.Members[userID]; !ok {
			return fmt.Errorf("%w: user %s is not a member", ErrInvalidInput, userID)
		}
		g.Admins[userID] = struct{}{}
		return nil
	})
}

func (s *InMemory) DemoteAdmin(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(groupID, func(g *Group) error {
		delete(g.Admins, userID)
		return nil
	})
}

func (s *InMemory) SetGroupSetting(ctx context.Context, groupID, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	return s.mutateGroup(groupID, func(g *Group) error {
		g.Settings[key] = value
		return nil
	})
}

func (s *InMemory) UnsetGroupSetting(ctx context.Context, groupID, key string) error {
	return s.mutateGroup(groupID, func(g *Group) error {
		delete(g.Settings, key)
		return nil
	})
}

func (s *InMemory) mutateGroup(groupID string, fn func(*Group) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(g); err != nil {
		return err
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}
