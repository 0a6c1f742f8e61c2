package roles

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the closed set of roles understood by the service.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleMember     Role = "member"
)

// Permission is a fine-grained capability key.
type Permission string

// Global permissions apply across the whole system.
const (
	PermManageUsers     Permission = "manage_users"
	PermManageGroups    Permission = "manage_groups"
	PermViewSystemStats Permission = "view_system_stats"
	PermViewAllAudit    Permission = "view_all_audit"
)

// Group-scoped permissions are meaningful only relative to a group.
const (
	PermViewGroup         Permission = "view_group"
	PermManageMembers     Permission = "manage_members"
	PermManageGroupAdmins Permission = "manage_group_admins"
	PermManageBlacklist   Permission = "manage_blacklist"
	PermManageSettings    Permission = "manage_settings"
	PermViewAudit         Permission = "view_audit"
	PermExecuteBan        Permission = "execute_ban"
	PermExecuteKick       Permission = "execute_kick"
	PermExecuteMute       Permission = "execute_mute"
	PermExecutePromote    Permission = "execute_promote"
	PermExecuteDemote     Permission = "execute_demote"
	PermExecutePin        Permission = "execute_pin"
	PermExecuteDelete     Permission = "execute_delete"
	PermExecuteWarn       Permission = "execute_warn"
)

var ErrUnknown = errors.New("roles: unknown value")

// rank orders roles for display and management priority only; permission
// evaluation is set membership, never ordinal comparison.
var rank = map[Role]int{
	RoleSuperadmin: 1,
	RoleOwner:      2,
	RoleAdmin:      3,
	RoleModerator:  4,
	RoleMember:     5,
}

var globalPerms = map[Permission]struct{}{
	PermManageUsers:     {},
	PermManageGroups:    {},
	PermViewSystemStats: {},
	PermViewAllAudit:    {},
}

var groupPerms = map[Permission]struct{}{
	PermViewGroup:         {},
	PermManageMembers:     {},
	PermManageGroupAdmins: {},
	PermManageBlacklist:   {},
	PermManageSettings:    {},
	PermViewAudit:         {},
	PermExecuteBan:        {},
	PermExecuteKick:       {},
	PermExecuteMute:       {},
	PermExecutePromote:    {},
	PermExecuteDemote:     {},
	PermExecutePin:        {},
	PermExecuteDelete:     {},
	PermExecuteWarn:       {},
}

// grants maps each role to the permissions it holds. Seeded once at init and
// never mutated at runtime: role semantics are a deployment constant.
var grants map[Role]map[Permission]struct{}

func init() {
	all := make(map[Permission]struct{}, len(globalPerms)+len(groupPerms))
	for p := range globalPerms {
		all[p] = struct{}{}
	}
	for p := range groupPerms {
		all[p] = struct{}{}
	}

	grants = map[Role]map[Permission]struct{}{
		RoleSuperadmin: all,
		RoleOwner: permSet(
			PermViewGroup, PermManageMembers, PermManageGroupAdmins,
			PermManageBlacklist, PermManageSettings, PermViewAudit,
			PermExecuteBan, PermExecuteKick, PermExecuteMute,
			PermExecutePromote, PermExecuteDemote, PermExecutePin,
			PermExecuteDelete, PermExecuteWarn,
		),
		RoleAdmin: permSet(
			PermViewGroup, PermManageMembers, PermViewAudit,
			PermExecuteBan, PermExecuteKick, PermExecuteMute,
			PermExecutePromote, PermExecutePin, PermExecuteDelete,
			PermExecuteWarn,
		),
		RoleModerator: permSet(
			PermViewGroup, PermExecuteKick, PermExecuteMute, PermExecuteWarn,
		),
		RoleMember: permSet(PermViewGroup),
	}
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// ParseRole validates a raw role value.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := rank[r]; !ok {
		return "", fmt.Errorf("%w: role %q", ErrUnknown, raw)
	}
	return r, nil
}

// ParsePermission validates a raw permission key.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := globalPerms[p]; ok {
		return p, nil
	}
	if _, ok := groupPerms[p]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: permission %q", ErrUnknown, raw)
}

// IsGlobal reports whether the permission applies system-wide rather than to
// a single group.
func IsGlobal(p Permission) bool {
	_, ok := globalPerms[p]
	return ok
}

// PermissionsFor returns the permission set granted to the role. Unknown
// roles yield an empty set, never an error.
func PermissionsFor(role Role) []Permission {
	set, ok := grants[role]
	if !ok {
		return nil
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Grants reports whether the role holds the permission.
func Grants(role Role, perm Permission) bool {
	set, ok := grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// Outranks reports whether a sits strictly above b in the display hierarchy.
// Used for management priority, not permission checks.
func Outranks(a, b Role) bool {
	ra, ok := rank[a]
	if !ok {
		return false
	}
	rb, ok := rank[b]
	if !ok {
		return true
	}
	return ra < rb
}
