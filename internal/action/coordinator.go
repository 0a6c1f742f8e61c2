package action

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"modguard.org/internal/audit"
	"modguard.org/internal/authz"
	"modguard.org/internal/directory"
	"modguard.org/internal/obs"
)

// Executor performs the downstream moderation call (the Telegram-side ban,
// kick, mute, ...). It reports transient failures by wrapping ErrTransient;
// anything else is treated as fatal and fails the action without retry.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Coordinator drives the lifecycle of moderation actions: permission check,
// at-most-once dispatch, retries, and the audit trail. The atomic
// create-if-absent on the record store is the only serialization point;
// no lock is held across the executor call.
type Coordinator struct {
	records  RecordStore
	resolver *authz.Resolver
	ledger   audit.Ledger
	dir      directory.Store
	exec     Executor
	notify   func(Record)

	waitTimeout    time.Duration
	attemptTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	stuckAfter     time.Duration
	pollInterval   time.Duration

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option configures the Coordinator.
type Option func(*Coordinator) error

// WithWaitTimeout bounds how long Submit blocks on an in-flight record
// before answering "in progress".
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return errors.New("action: wait timeout must be positive")
		}
		c.waitTimeout = d
		return nil
	}
}

// WithAttemptTimeout bounds each executor invocation.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return errors.New("action: attempt timeout must be positive")
		}
		c.attemptTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the retry budget for transient executor failures.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return errors.New("action: max attempts must be at least 1")
		}
		c.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the exponential backoff window between retries.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Coordinator) error {
		if base <= 0 || max < base {
			return errors.New("action: invalid backoff window")
		}
		c.backoffBase = base
		c.backoffMax = max
		return nil
	}
}

// WithStuckAfter sets how old a dispatched record must be before the
// reconciliation sweep fails it.
func WithStuckAfter(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return errors.New("action: stuck threshold must be positive")
		}
		c.stuckAfter = d
		return nil
	}
}

// WithNotifier registers a callback invoked whenever a record reaches a
// terminal state. Used to feed the event stream.
func WithNotifier(fn func(Record)) Option {
	return func(c *Coordinator) error {
		c.notify = fn
		return nil
	}
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(records RecordStore, resolver *authz.Resolver, ledger audit.Ledger, dir directory.Store, exec Executor, opts ...Option) (*Coordinator, error) {
	if records == nil || resolver == nil || ledger == nil || dir == nil || exec == nil {
		return nil, errors.New("action: all collaborators are required")
	}
	c := &Coordinator{
		records:        records,
		resolver:       resolver,
		ledger:         ledger,
		dir:            dir,
		exec:           exec,
		waitTimeout:    5 * time.Second,
		attemptTimeout: 10 * time.Second,
		maxAttempts:    4,
		backoffBase:    500 * time.Millisecond,
		backoffMax:     8 * time.Second,
		stuckAfter:     2 * time.Minute,
		pollInterval:   50 * time.Millisecond,
		inflight:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Submit runs one logical action request to a decision. Replays of terminal
// records return the stored outcome without re-dispatching; submissions that
// race an in-flight record wait (bounded) and otherwise return ErrInFlight
// with the current state. Cancelling the caller's context abandons the wait,
// never the dispatch.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Outcome, error) {
	req = normalize(req)
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	rec := Record{
		Key:      req.Key,
		Kind:     req.Kind,
		ActorID:  req.ActorID,
		GroupID:  req.GroupID,
		TargetID: req.TargetID,
		State:    StateAuthorizing,
	}
	stored, created, err := c.records.Create(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("action: create record: %w", err)
	}
	if !created {
		if stored.State.Terminal() {
			// Replays are first-class ledger events: the trail shows every
			// time a key was presented, not only the original decision.
			if err := c.audit(ctx, stored, audit.OutcomeReplay, map[string]string{"state": string(stored.State)}, false); err != nil {
				return Outcome{}, fmt.Errorf("action: audit replay: %w", err)
			}
			return outcomeOf(stored), nil
		}
		return c.awaitExisting(ctx, stored.Key)
	}

	done := c.register(req.Key)
	// The dispatch is a detached, at-most-once unit of work: it runs on a
	// context that survives the caller.
	go c.run(context.WithoutCancel(ctx), req, stored, done)
	return c.await(ctx, req.Key, done)
}

// Status returns the current record for an idempotency key.
func (c *Coordinator) Status(ctx context.Context, key string) (Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Record{}, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	return c.records.Get(ctx, key)
}

// Sweep fails dispatched records that have not progressed past the stuck
// threshold, so no action is lost in limbo. Returns how many were resolved.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-c.stuckAfter)
	stuck, err := c.records.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, rec := range stuck {
		rec.State = StateFailed
		rec.LastError = "timeout"
		rec.CompletedAt = time.Now().UTC()
		if err := c.records.Update(ctx, rec); err != nil {
			return resolved, err
		}
		if err := c.audit(ctx, rec, audit.OutcomeTimeout, map[string]string{"reason": "timeout"}, false); err != nil {
			return resolved, err
		}
		obs.ObserveAction(string(rec.Kind), string(StateFailed))
		c.notifyTerminal(rec)
		resolved++
	}
	return resolved, nil
}

func (c *Coordinator) register(key string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.inflight[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	ch, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Coordinator) waiter(key string) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inflight[key]
	return ch, ok
}

func (c *Coordinator) await(ctx context.Context, key string, done <-chan struct{}) (Outcome, error) {
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()
	select {
	case <-done:
		rec, err := c.records.Get(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		return outcomeOf(rec), nil
	case <-timer.C:
	case <-ctx.Done():
	}
	rec, err := c.records.Get(context.WithoutCancel(ctx), key)
	if err != nil {
		return Outcome{}, err
	}
	if rec.State.Terminal() {
		return outcomeOf(rec), nil
	}
	return outcomeOf(rec), ErrInFlight
}

// awaitExisting handles racers that lost the create. Same-process racers
// block on the winner's channel; records owned by another instance are
// polled against the shared store.
func (c *Coordinator) awaitExisting(ctx context.Context, key string) (Outcome, error) {
	if ch, ok := c.waiter(key); ok {
		return c.await(ctx, key, ch)
	}
	deadline := time.Now().Add(c.waitTimeout)
	for {
		rec, err := c.records.Get(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		if rec.State.Terminal() {
			return outcomeOf(rec), nil
		}
		if time.Now().After(deadline) {
			return outcomeOf(rec), ErrInFlight
		}
		select {
		case <-ctx.Done():
			return outcomeOf(rec), ErrInFlight
		case <-time.After(c.pollInterval):
		}
	}
}

// run owns the record from creation to a terminal state.
func (c *Coordinator) run(ctx context.Context, req Request, rec Record, done chan struct{}) {
	defer c.release(req.Key)

	decision, err := c.resolver.Check(ctx, req.ActorID, RequiredPermission(req.Kind), req.GroupID)
	if err != nil {
		// The check could not be audited; the whole request fails rather
		// than proceeding with an unrecorded decision.
		c.terminate(ctx, &rec, StateFailed, "", "audit_unavailable", nil, false)
		return
	}
	if !decision.Allowed {
		c.terminate(ctx, &rec, StateDenied, decision.Reason, "", map[string]string{"reason": decision.Reason}, decision.Bypass)
		return
	}

	rec.State = StateDispatched
	if err := c.records.Update(ctx, rec); err != nil {
		c.terminate(ctx, &rec, StateFailed, "", "record update: "+err.Error(), nil, decision.Bypass)
		return
	}
	if err := c.audit(ctx, rec, audit.OutcomeDispatched, nil, decision.Bypass); err != nil {
		c.terminate(ctx, &rec, StateFailed, "", "audit_unavailable", nil, decision.Bypass)
		return
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		rec.Attempts = attempt
		obs.ObserveDispatchAttempt()

		actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		result, execErr := c.exec.Execute(actx, req)
		cancel()

		if execErr == nil {
			c.applyEffects(ctx, req)
			c.terminate(ctx, &rec, StateCompleted, result, "", nil, decision.Bypass)
			return
		}

		rec.LastError = execErr.Error()
		if err := c.records.Update(ctx, rec); err != nil {
			c.terminate(ctx, &rec, StateFailed, "", "record update: "+err.Error(), nil, decision.Bypass)
			return
		}
		if err := c.audit(ctx, rec, audit.OutcomeAttemptFailed, map[string]string{
			"attempt": strconv.Itoa(attempt),
			"error":   execErr.Error(),
		}, decision.Bypass); err != nil {
			c.terminate(ctx, &rec, StateFailed, "", "audit_unavailable", nil, decision.Bypass)
			return
		}

		if !errors.Is(execErr, ErrTransient) {
			c.terminate(ctx, &rec, StateFailed, "", execErr.Error(), map[string]string{"class": "fatal"}, decision.Bypass)
			return
		}
		if attempt == c.maxAttempts {
			c.terminate(ctx, &rec, StateFailed, "", "retries_exhausted", map[string]string{"class": "transient"}, decision.Bypass)
			return
		}

		backoff := c.backoffBase << (attempt - 1)
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
		select {
		case <-ctx.Done():
			c.terminate(ctx, &rec, StateFailed, "", "cancelled", nil, decision.Bypass)
			return
		case <-time.After(backoff):
		}
	}
}

// terminate moves the record to a terminal state, persists it, and writes
// the final audit entry.
func (c *Coordinator) terminate(ctx context.Context, rec *Record, state State, result, lastErr string, detail map[string]string, bypass bool) {
	rec.State = state
	rec.Result = result
	if lastErr != "" {
		rec.LastError = lastErr
	}
	rec.CompletedAt = time.Now().UTC()
	if err := c.records.Update(ctx, *rec); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "action record update failed", "key": rec.Key, "error": err.Error()})
	}

	outcome := audit.OutcomeFailed
	switch state {
	case StateCompleted:
		outcome = audit.OutcomeCompleted
	case StateDenied:
		outcome = audit.OutcomeDenied
	}
	if detail == nil {
		detail = map[string]string{}
	}
	if lastErr != "" {
		detail["error"] = lastErr
	}
	if err := c.audit(ctx, *rec, outcome, detail, bypass); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "action audit append failed", "key": rec.Key, "error": err.Error()})
		// An outcome that cannot be recorded must not be exposed as a
		// success or a clean denial. The record is re-persisted as failed
		// so replays and waiters observe the failure.
		if state != StateFailed {
			rec.State = StateFailed
			rec.Result = ""
			rec.LastError = "audit_unavailable"
			rec.CompletedAt = time.Now().UTC()
			if uerr := c.records.Update(ctx, *rec); uerr != nil {
				obs.LogEvent(map[string]any{"level": "error", "msg": "action record update failed", "key": rec.Key, "error": uerr.Error()})
			}
		}
	}
	obs.ObserveAction(string(rec.Kind), string(rec.State))
	c.notifyTerminal(*rec)
}

func (c *Coordinator) audit(ctx context.Context, rec Record, outcome audit.Outcome, detail map[string]string, bypass bool) error {
	_, err := c.ledger.Append(ctx, audit.Entry{
		ActorID:  rec.ActorID,
		GroupID:  rec.GroupID,
		TargetID: rec.TargetID,
		Kind:     string(rec.Kind),
		Outcome:  outcome,
		Bypass:   bypass,
		Detail:   detail,
	})
	return err
}

// applyEffects mirrors the executed action into the directory so effective
// roles stay consistent with the group's real state.
func (c *Coordinator) applyEffects(ctx context.Context, req Request) {
	if req.GroupID == "" || req.TargetID == "" {
		return
	}
	var err error
	switch req.Kind {
	case KindBan, KindKick:
		err = c.dir.RemoveMember(ctx, req.GroupID, req.TargetID)
	case KindPromote:
		if err = c.dir.AddMember(ctx, req.GroupID, req.TargetID); err == nil {
			err = c.dir.PromoteAdmin(ctx, req.GroupID, req.TargetID)
		}
	case KindDemote:
		err = c.dir.DemoteAdmin(ctx, req.GroupID, req.TargetID)
	default:
		return
	}
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "directory effect failed",
			"kind": string(req.Kind), "group": req.GroupID, "target": req.TargetID,
			"error": err.Error(),
		})
	}
}

func (c *Coordinator) notifyTerminal(rec Record) {
	if c.notify != nil {
		c.notify(rec)
	}
}

func normalize(req Request) Request {
	req.Key = strings.TrimSpace(req.Key)
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.GroupID = strings.TrimSpace(req.GroupID)
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	return req
}
