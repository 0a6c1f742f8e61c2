package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modguard.org/internal/audit"
	"modguard.org/internal/directory"
	"modguard.org/internal/obs"
	"modguard.org/internal/roles"
)

var ErrInvalidInput = errors.New("authz: invalid input")

// Denial reasons surfaced to callers and recorded in the audit ledger.
const (
	ReasonGranted      = "granted"
	ReasonSuperadmin   = "superadmin"
	ReasonMissingScope = "missing_scope"
	ReasonNotFound     = "not_found"
	ReasonNotMember    = "not_member"
	ReasonRevoked      = "revoked"
	ReasonNoPermission = "no_permission"
	ReasonInactive     = "inactive"
)

// Decision is the outcome of a permission check. There is no third state:
// every well-formed check resolves to allowed or denied with a reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Bypass  bool   `json:"bypass,omitempty"`
}

// Resolver answers "may this actor exercise this permission, in this scope".
// Reads are lock-free beyond the directory's own synchronization; the single
// side effect is the mandatory audit append.
type Resolver struct {
	dir    directory.Store
	ledger audit.Ledger
}

// NewResolver wires the resolver to its stores.
func NewResolver(dir directory.Store, ledger audit.Ledger) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("authz: directory store is required")
	}
	if ledger == nil {
		return nil, errors.New("authz: audit ledger is required")
	}
	return &Resolver{dir: dir, ledger: ledger}, nil
}

// Check resolves the decision for (actor, permission, optional group scope).
// Every call, allowed or denied, appends exactly one audit entry; if the
// append fails the check fails, because an un-audited privileged decision is
// itself a correctness violation. Malformed input (empty actor) is rejected
// before any decision is made and produces no entry.
func (r *Resolver) Check(ctx context.Context, actorID string, perm roles.Permission, groupID string) (Decision, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Decision{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	groupID = strings.TrimSpace(groupID)

	d := r.resolve(ctx, actorID, perm, groupID)
	if err := r.record(ctx, actorID, perm, groupID, d); err != nil {
		return Decision{}, err
	}
	obs.ObserveDecision(d.Allowed)
	return d, nil
}

func (r *Resolver) resolve(ctx context.Context, actorID string, perm roles.Permission, groupID string) Decision {
	actor, err := r.dir.GetUser(ctx, actorID)
	if err != nil {
		return Decision{Reason: ReasonNotFound}
	}
	if !actor.Active {
		return Decision{Reason: ReasonInactive}
	}

	// Superadmin holds every permission. When the check targets a group the
	// superadmin is not part of, that is the deliberate crossing of group
	// isolation and is flagged so the ledger records it as a bypass.
	if actor.Role == roles.RoleSuperadmin {
		d := Decision{Allowed: true, Reason: ReasonSuperadmin}
		if groupID != "" {
			group, err := r.dir.GetGroup(ctx, groupID)
			if err != nil {
				return Decision{Reason: ReasonNotFound}
			}
			if _, member := group.EffectiveRole(actorID); !member {
				d.Bypass = true
			}
		}
		return d
	}

	if roles.IsGlobal(perm) {
		if roles.Grants(actor.Role, perm) {
			return Decision{Allowed: true, Reason: ReasonGranted}
		}
		return Decision{Reason: ReasonNoPermission}
	}

	// Group-scoped permission without a scope is malformed, never silently
	// treated as global.
	if groupID == "" {
		return Decision{Reason: ReasonMissingScope}
	}

	group, err := r.dir.GetGroup(ctx, groupID)
	if err != nil {
		return Decision{Reason: ReasonNotFound}
	}

	effective, member := group.EffectiveRole(actorID)
	if !member {
		return Decision{Reason: ReasonNotMember}
	}

	// Revocation wins over any role-derived grant, owner included.
	if group.Revoked(actorID, perm) {
		return Decision{Reason: ReasonRevoked}
	}

	if roles.Grants(effective, perm) {
		return Decision{Allowed: true, Reason: ReasonGranted}
	}
	return Decision{Reason: ReasonNoPermission}
}

func (r *Resolver) record(ctx context.Context, actorID string, perm roles.Permission, groupID string, d Decision) error {
	outcome := audit.OutcomeDenied
	if d.Allowed {
		outcome = audit.OutcomeAllowed
	}
	_, err := r.ledger.Append(ctx, audit.Entry{
		ActorID: actorID,
		GroupID: groupID,
		Kind:    string(perm),
		Outcome: outcome,
		Bypass:  d.Bypass,
		Detail:  map[string]string{"reason": d.Reason},
	})
	if err != nil {
		return fmt.Errorf("authz: audit append: %w", err)
	}
	return nil
}
