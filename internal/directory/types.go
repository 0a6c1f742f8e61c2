package directory

import (
	"errors"
	"strings"
	"time"

	"modguard.org/internal/roles"
)

var (
	ErrNotFound      = errors.New("directory: not found")
	ErrAlreadyExists = errors.New("directory: already exists")
	ErrInvalidInput  = errors.New("directory: invalid input")
)

// User is a platform identity. Users are created on first interaction and are
// never deleted, only deactivated, so audit entries stay resolvable.
type User struct {
	ID        string     `json:"id"`
	Role      roles.Role `json:"role"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Group is a moderated chat group. Admins is always a subset of Members; the
// owner is implicitly a member.
type Group struct {
	ID        string              `json:"id"`
	OwnerID   string              `json:"owner_id"`
	Members   map[string]struct{} `json:"-"`
	Admins    map[string]struct{} `json:"-"`
	Settings  map[string]string   `json:"settings,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

const (
	settingRevokePrefix = "revoke:"
	settingModPrefix    = "moderator:"
)

// RevocationKey builds the settings key recording an explicit per-member
// permission revocation. Revocation always wins over a role-derived grant.
func RevocationKey(userID string, perm roles.Permission) string {
	return settingRevokePrefix + userID + ":" + string(perm)
}

// ModeratorKey builds the settings key marking a member as group moderator.
func ModeratorKey(userID string) string {
	return settingModPrefix + userID
}

// EffectiveRole derives the user's role within the group. The in-group role
// is never stored redundantly: it follows from ownership and the membership
// sets alone, irrespective of the user's global role.
func (g Group) EffectiveRole(userID string) (roles.Role, bool) {
	if userID == g.OwnerID {
		return roles.RoleOwner, true
	}
	if _, ok := g.Admins[userID]; ok {
		return roles.RoleAdmin, true
	}
	if _, ok := g.Members[userID]; ok {
		if _, mod := g.Settings[ModeratorKey(userID)]; mod {
			return roles.RoleModerator, true
		}
		return roles.RoleMember, true
	}
	return "", false
}

// Revoked reports whether the permission has been explicitly revoked for the
// user in this group.
func (g Group) Revoked(userID string, perm roles.Permission) bool {
	_, ok := g.Settings[RevocationKey(userID, perm)]
	return ok
}

// MemberIDs returns the membership set as a sorted-insensitive copy.
func (g Group) MemberIDs() []string {
	out := make([]string, 0, len(g.Members))
	for id := range g.Members {
		out = append(out, id)
	}
	return out
}

// AdminIDs returns the admin set as a copy.
func (g Group) AdminIDs() []string {
	out := make([]string, 0, len(g.Admins))
	for id := range g.Admins {
		out = append(out, id)
	}
	return out
}

func (g Group) clone() Group {
	out := g
	out.Members = make(map[string]struct{}, len(g.Members))
	for id := range g.Members {
		out.Members[id] = struct{}{}
	}
	out.Admins = make(map[string]struct{}, len(g.Admins))
	for id := range g.Admins {
		out.Admins[id] = struct{}{}
	}
	out.Settings = make(map[string]string, len(g.Settings))
	for k, v := range g.Settings {
		out.Settings[k] = v
	}
	return out
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidInput
	}
	return id, nil
}
