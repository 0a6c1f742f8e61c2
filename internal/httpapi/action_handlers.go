package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modguard.org/internal/action"
	"modguard.org/internal/audit"
	"modguard.org/internal/auth"
	"modguard.org/internal/authz"
	"modguard.org/internal/directory"
	"modguard.org/internal/roles"
)

type permissionCheckRequest struct {
	ActorID    string `json:"actor_id"`
	Permission string `json:"permission"`
	GroupID    string `json:"group_id"`
}

type permissionCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Bypass  bool   `json:"bypass,omitempty"`
}

type actionExecuteRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Nonce          string            `json:"nonce"`
	ActorID        string            `json:"actor_id"`
	GroupID        string            `json:"group_id"`
	TargetUserID   string            `json:"target_user_id"`
	ActionKind     string            `json:"action_kind"`
	Params         map[string]string `json:"params"`
	Reason         string            `json:"reason"`
}

type actionOutcomeResponse struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type auditQueryResponse struct {
	Items     []audit.Entry `json:"items"`
	NextAfter uint64        `json:"next_after"`
	AsOf      time.Time     `json:"as_of"`
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req permissionCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := roles.ParsePermission(req.Permission)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.requireActor(r, req.ActorID); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	decision, err := a.resolver.Check(r.Context(), req.ActorID, perm, req.GroupID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionCheckResponse{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
		Bypass:  decision.Bypass,
	})
}

func (a *API) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req actionExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := action.ParseKind(req.ActionKind)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.requireActor(r, req.ActorID); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		if key != "" && key != header {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
		key = header
	}
	if len(key) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}
	if key == "" {
		nonce := strings.TrimSpace(req.Nonce)
		if nonce == "" {
			nonce = action.TimeBucket(time.Now().UTC())
		}
		key = action.DeriveKey(req.ActorID, req.GroupID, req.TargetUserID, kind, nonce)
	}

	outcome, err := a.coordinator.Submit(r.Context(), action.Request{
		Key:      key,
		Kind:     kind,
		ActorID:  req.ActorID,
		GroupID:  req.GroupID,
		TargetID: req.TargetUserID,
		Params:   req.Params,
		Reason:   req.Reason,
	})
	switch {
	case errors.Is(err, action.ErrInFlight):
		writeJSON(w, http.StatusAccepted, toOutcomeResponse(outcome))
		return
	case errors.Is(err, action.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		handleDomainError(w, r, err)
		return
	}

	w.Header().Set("Idempotency-Key", key)
	code := http.StatusOK
	if outcome.State == action.StateDenied {
		code = http.StatusForbidden
	}
	writeJSON(w, code, toOutcomeResponse(outcome))
}

func (a *API) handleActionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/actions/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	rec, err := a.coordinator.Status(r.Context(), key)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	code := http.StatusOK
	if !rec.State.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, rec)
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Actor: strings.TrimSpace(q.Get("actor")),
		Group: strings.TrimSpace(q.Get("group")),
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit
	if after := strings.TrimSpace(q.Get("after")); after != "" {
		v, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		filter.AfterSeq = v
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}

	// Reading the ledger is itself a permission-checked, audited operation.
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && !p.IsService() {
		perm := roles.PermViewAllAudit
		group := ""
		if filter.Group != "" {
			perm = roles.PermViewAudit
			group = filter.Group
		}
		decision, err := a.resolver.Check(r.Context(), p.UserID, perm, group)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		if !decision.Allowed {
			writeError(w, r, http.StatusForbidden, decision.Reason)
			return
		}
	}

	items, next, err := a.ledger.Query(r.Context(), filter)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditQueryResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// requireActor ensures user principals act only as themselves; service
// principals submit on behalf of any actor.
func (a *API) requireActor(r *http.Request, actorID string) error {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.ErrUnauthorized
	}
	if p.IsService() {
		return nil
	}
	if strings.TrimSpace(actorID) != p.UserID {
		return errors.New("actor_id does not match the authenticated user")
	}
	return nil
}

func toOutcomeResponse(out action.Outcome) actionOutcomeResponse {
	return actionOutcomeResponse{
		Key:      out.Key,
		State:    string(out.State),
		Result:   out.Result,
		Error:    out.Error,
		Attempts: out.Attempts,
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, directory.ErrInvalidInput), errors.Is(err, authz.ErrInvalidInput),
		errors.Is(err, roles.ErrUnknown), errors.Is(err, action.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, action.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, audit.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
