package action

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"modguard.org/internal/roles"
)

var (
	ErrInvalidRequest = errors.New("action: invalid request")
	ErrNotFound       = errors.New("action: not found")
	ErrInFlight       = errors.New("action: in flight")

	// Downstream failure classes. Executors wrap their errors in one of
	// these so the coordinator knows whether a retry can help.
	ErrTransient = errors.New("action: transient downstream failure")
	ErrFatal     = errors.New("action: fatal downstream failure")
)

// Kind is the closed set of moderation actions.
type Kind string

const (
	KindBan     Kind = "ban"
	KindUnban   Kind = "unban"
	KindKick    Kind = "kick"
	KindMute    Kind = "mute"
	KindUnmute  Kind = "unmute"
	KindPromote Kind = "promote"
	KindDemote  Kind = "demote"
	KindWarn    Kind = "warn"
	KindPin     Kind = "pin"
	KindUnpin   Kind = "unpin"
	KindDelete  Kind = "delete"
)

// requiredPerm maps each action kind to the permission the actor must hold.
var requiredPerm = map[Kind]roles.Permission{
	KindBan:     roles.PermExecuteBan,
	KindUnban:   roles.PermExecuteBan,
	KindKick:    roles.PermExecuteKick,
	KindMute:    roles.PermExecuteMute,
	KindUnmute:  roles.PermExecuteMute,
	KindPromote: roles.PermExecutePromote,
	KindDemote:  roles.PermExecuteDemote,
	KindWarn:    roles.PermExecuteWarn,
	KindPin:     roles.PermExecutePin,
	KindUnpin:   roles.PermExecutePin,
	KindDelete:  roles.PermExecuteDelete,
}

// ParseKind validates a raw action kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := requiredPerm[k]; !ok {
		return "", fmt.Errorf("%w: unknown action kind %q", ErrInvalidRequest, raw)
	}
	return k, nil
}

// RequiredPermission returns the permission gating the action kind.
func RequiredPermission(k Kind) roles.Permission {
	return requiredPerm[k]
}

// State is the lifecycle state of an action record.
type State string

const (
	StateAuthorizing State = "authorizing"
	StateDispatched  State = "dispatched"
	StateDenied      State = "denied"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Request describes one logical moderation action. Two requests with the
// same idempotency key are the same action: only the first submission ever
// reaches the executor.
type Request struct {
	Key         string            `json:"idempotency_key"`
	Kind        Kind              `json:"action_kind"`
	ActorID     string            `json:"actor_id"`
	GroupID     string            `json:"group_id,omitempty"`
	TargetID    string            `json:"target_user_id,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

// Validate rejects requests before any record or audit entry is written.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidRequest)
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	return nil
}

// DeriveKey builds the deterministic idempotency key for a logical request.
// Callers supply a nonce to distinguish deliberate re-attempts; submissions
// sharing (actor, group, target, kind, nonce) collapse onto one record.
func DeriveKey(actorID, groupID, targetID string, kind Kind, nonce string) string {
	h := sha256.New()
	for _, part := range []string{actorID, groupID, targetID, string(kind), nonce} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TimeBucket formats a timestamp as the default nonce for callers that do
// not supply one: identical submissions inside the same bucket collapse.
func TimeBucket(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// Record is the single source of truth for "has this already happened".
// Exactly one record exists per idempotency key.
type Record struct {
	Key         string    `json:"key"`
	Kind        Kind      `json:"action_kind"`
	ActorID     string    `json:"actor_id"`
	GroupID     string    `json:"group_id,omitempty"`
	TargetID    string    `json:"target_user_id,omitempty"`
	State       State     `json:"state"`
	Result      string    `json:"result,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Outcome is what a caller gets back from Submit.
type Outcome struct {
	Key      string `json:"key"`
	State    State  `json:"state"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

func outcomeOf(rec Record) Outcome {
	return Outcome{
		Key:      rec.Key,
		State:    rec.State,
		Result:   rec.Result,
		Error:    rec.LastError,
		Attempts: rec.Attempts,
	}
}
