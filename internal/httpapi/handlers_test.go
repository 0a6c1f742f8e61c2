package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"modguard.org/internal/action"
	"modguard.org/internal/audit"
	"modguard.org/internal/auth"
	"modguard.org/internal/authz"
	"modguard.org/internal/directory"
	"modguard.org/internal/stream"
)

const testServiceKey = "test-relay-key"

type apiClient struct {
	baseURL string
	client  *http.Client
	events  *stream.Stream
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("MODGUARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	dir := directory.NewInMemory()
	ledger := audit.NewInMemory()
	resolver, err := authz.NewResolver(dir, ledger)
	if err != nil {
		t.Fatal(err)
	}
	exec := action.ExecutorFunc(func(ctx context.Context, req action.Request) (string, error) {
		return "ok", nil
	})
	coordinator, err := action.NewCoordinator(action.NewInMemoryRecords(), resolver, ledger, dir, exec,
		action.WithWaitTimeout(2*time.Second),
		action.WithBackoff(time.Millisecond, 4*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}

	hash, err := auth.HashKey(testServiceKey)
	if err != nil {
		t.Fatal(err)
	}
	keyring, err := auth.ParseKeyring("relay:" + hash)
	if err != nil {
		t.Fatal(err)
	}

	events := stream.New()
	api := New(ReadyProbe{}, "test", resolver, coordinator, ledger, dir, keyring, events)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(api.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		events:  events,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func serviceHeaders() map[string]string {
	return map[string]string{"X-API-Key": testServiceKey}
}

func bearerHeaders(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := auth.GenerateToken(userID, nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// seedGroup creates owner, members and the group through the service surface.
func (c *apiClient) seedGroup(owner string, members ...string) {
	c.t.Helper()
	svc := serviceHeaders()
	for _, id := range append([]string{owner}, members...) {
		resp := c.post("/v1/users", map[string]any{"id": id}, svc)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			c.t.Fatalf("ensure user %s: %d", id, resp.StatusCode)
		}
	}
	resp := c.post("/v1/groups", map[string]any{"id": "g1", "owner_id": owner}, svc)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create group: %d", resp.StatusCode)
	}
	for _, id := range members {
		resp := c.post("/v1/groups/g1/members", map[string]any{"user_id": id}, svc)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.t.Fatalf("add member %s: %d", id, resp.StatusCode)
		}
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPermissionCheckEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "mem")

	resp := api.post("/v1/permission/check", map[string]any{
		"actor_id":   "mem",
		"permission": "execute_ban",
		"group_id":   "g1",
	}, bearerHeaders(t, "mem"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["allowed"] != false || body["reason"] != "no_permission" {
		t.Fatalf("unexpected decision: %v", body)
	}

	resp = api.post("/v1/permission/check", map[string]any{
		"actor_id":   "owner",
		"permission": "execute_ban",
		"group_id":   "g1",
	}, bearerHeaders(t, "owner"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body = decode[map[string]any](t, resp)
	if body["allowed"] != true {
		t.Fatalf("owner should hold execute_ban: %v", body)
	}
}

func TestPermissionCheckRejectsUnknownPermission(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner")

	resp := api.post("/v1/permission/check", map[string]any{
		"actor_id":   "owner",
		"permission": "rule_the_world",
	}, bearerHeaders(t, "owner"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestActionExecuteFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "target")
	headers := bearerHeaders(t, "owner")
	headers["Idempotency-Key"] = "ban-1"

	req := map[string]any{
		"actor_id":       "owner",
		"group_id":       "g1",
		"target_user_id": "target",
		"action_kind":    "ban",
		"reason":         "spam",
	}
	resp := api.post("/v1/action/execute", req, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Key") != "ban-1" {
		t.Fatal("missing idempotency header echo")
	}
	out := decode[map[string]any](t, resp)
	if out["state"] != "completed" {
		t.Fatalf("unexpected outcome: %v", out)
	}
	key := out["key"].(string)

	// Replay with the same key returns the stored outcome.
	resp = api.post("/v1/action/execute", req, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected replay status: %d", resp.StatusCode)
	}
	out2 := decode[map[string]any](t, resp)
	if out2["key"] != key || out2["state"] != "completed" {
		t.Fatalf("replay diverged: %v", out2)
	}

	// The ban was mirrored into the directory.
	resp = api.get("/v1/groups/g1", nil, serviceHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get group: %d", resp.StatusCode)
	}
	group := decode[groupResponse](t, resp)
	for _, m := range group.Members {
		if m == "target" {
			t.Fatal("banned target still a group member")
		}
	}

	// Record is queryable by key.
	resp = api.get("/v1/actions/"+key, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get action: %d", resp.StatusCode)
	}
	rec := decode[map[string]any](t, resp)
	if rec["state"] != "completed" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestActionExecuteDenied(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "mem", "target")

	resp := api.post("/v1/action/execute", map[string]any{
		"actor_id":       "mem",
		"group_id":       "g1",
		"target_user_id": "target",
		"action_kind":    "ban",
		"nonce":          "n1",
	}, bearerHeaders(t, "mem"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	out := decode[map[string]any](t, resp)
	if out["state"] != "denied" {
		t.Fatalf("unexpected outcome: %v", out)
	}
}

func TestActionExecuteValidation(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner")
	headers := bearerHeaders(t, "owner")

	resp := api.post("/v1/action/execute", map[string]any{
		"actor_id":    "owner",
		"action_kind": "obliterate",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", resp.StatusCode)
	}
}

func TestActorMismatchRejected(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "mem")

	resp := api.post("/v1/action/execute", map[string]any{
		"actor_id":    "owner",
		"group_id":    "g1",
		"action_kind": "warn",
		"nonce":       "n1",
	}, bearerHeaders(t, "mem"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestActionStatusNotFound(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner")

	resp := api.get("/v1/actions/no-such-key", nil, bearerHeaders(t, "owner"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuditQueryRequiresPermission(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "mem")

	// A plain member cannot read the global audit trail.
	resp := api.get("/v1/audit", nil, bearerHeaders(t, "mem"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// The group owner can read the group's trail.
	resp = api.get("/v1/audit", url.Values{"group": []string{"g1"}}, bearerHeaders(t, "owner"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if payload["next_after"] == nil {
		t.Fatal("expected pagination field present")
	}

	// Services read everything.
	resp = api.get("/v1/audit", url.Values{"actor": []string{"mem"}}, serviceHeaders())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for service, got %d", resp.StatusCode)
	}
}

func TestSuperadminRoleChange(t *testing.T) {
	api := newTestAPI(t)
	api.seedGroup("owner", "root")

	// Only a superadmin may change global roles: promote via service key,
	// then exercise the user surface with the superadmin bearer token.
	resp := api.do(http.MethodPut, "/v1/users/root/role", map[string]any{"role": "superadmin"}, serviceHeaders())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("service role change: %d", resp.StatusCode)
	}

	resp = api.do(http.MethodPut, "/v1/users/owner/role", map[string]any{"role": "admin"}, bearerHeaders(t, "root"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("superadmin role change: %d", resp.StatusCode)
	}
	user := decode[map[string]any](t, resp)
	if user["role"] != "admin" {
		t.Fatalf("unexpected role: %v", user)
	}

	// A regular member is refused.
	resp = api.do(http.MethodPut, "/v1/users/owner/role", map[string]any{"role": "member"}, bearerHeaders(t, "owner"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/permission/check", map[string]any{
		"actor_id":   "u1",
		"permission": "view_group",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatal("expected error message")
	}

	resp = api.post("/v1/users", map[string]any{"id": "u1"}, map[string]string{"X-API-Key": "wrong-key"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad api key, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/health", "/v1/info"} {
		resp := api.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
