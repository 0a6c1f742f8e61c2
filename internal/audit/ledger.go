package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"modguard.org/internal/obs"
)

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrUnavailable  = errors.New("audit: ledger unavailable")
)

// Outcome classifies what an entry records.
type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeDenied          Outcome = "denied"
	OutcomeDispatched      Outcome = "dispatched"
	OutcomeAttemptFailed   Outcome = "attempt_failed"
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeReplay          Outcome = "idempotent_replay"
)

// Entry is one immutable record of a permission decision or action outcome.
// Seq is assigned by the ledger on append and is strictly increasing and
// gap-free for committed entries.
type Entry struct {
	Seq      uint64            `json:"seq"`
	Time     time.Time         `json:"time"`
	ActorID  string            `json:"actor_id"`
	GroupID  string            `json:"group_id,omitempty"`
	TargetID string            `json:"target_id,omitempty"`
	Kind     string            `json:"kind"`
	Outcome  Outcome           `json:"outcome"`
	Bypass   bool              `json:"bypass,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Filter narrows a ledger query. AfterSeq is the pagination cursor; results
// are ordered by sequence number.
type Filter struct {
	Actor    string
	Group    string
	Since    time.Time
	AfterSeq uint64
	Limit    int
}

// Ledger is the append-only audit store. There is no update or delete: once
// written, an entry is permanent. A failed append must fail the operation
// that produced the entry: an un-audited privileged decision is itself a
// correctness violation.
type Ledger interface {
	Append(ctx context.Context, e Entry) (uint64, error)
	Query(ctx context.Context, f Filter) ([]Entry, uint64, error)
}

// InMemory implements Ledger with in-process concurrency safety.
// NOTE: the durable implementation lives in internal/store/pg.
type InMemory struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, e Entry) (uint64, error) {
	if err := Validate(e); err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	LogEntry(e)
	return e.Seq, nil
}

func (l *InMemory) Query(ctx context.Context, f Filter) ([]Entry, uint64, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Entry
	var last uint64
	for _, e := range l.entries {
		if e.Seq <= f.AfterSeq {
			continue
		}
		if !Matches(e, f) {
			continue
		}
		res = append(res, e)
		last = e.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// Validate rejects entries that could not be attributed afterwards.
func Validate(e Entry) error {
	if strings.TrimSpace(e.ActorID) == "" {
		return ErrInvalidEntry
	}
	if strings.TrimSpace(e.Kind) == "" {
		return ErrInvalidEntry
	}
	if e.Outcome == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Matches applies the non-cursor parts of a filter to an entry. Shared by the
// in-memory and SQL implementations' tests.
func Matches(e Entry, f Filter) bool {
	if f.Actor != "" && e.ActorID != f.Actor {
		return false
	}
	if f.Group != "" && e.GroupID != f.Group {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

// LogEntry mirrors every committed entry to the structured log so operators
// can tail decisions without querying the store.
func LogEntry(e Entry) {
	line := map[string]any{
		"ts":    e.Time.Format(time.RFC3339Nano),
		"type":  "audit",
		"seq":   e.Seq,
		"actor": e.ActorID,
		"kind":  e.Kind,
		"out":   string(e.Outcome),
	}
	if e.GroupID != "" {
		line["group"] = e.GroupID
	}
	if e.TargetID != "" {
		line["target"] = e.TargetID
	}
	if e.Bypass {
		line["bypass"] = true
	}
	if len(e.Detail) > 0 {
		line["detail"] = e.Detail
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
