package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"modguard.org/internal/sim"
)

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) do(method, path string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-API-Key", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, raw, err
}

func (c *client) must(method, path string, body any, want ...int) []byte {
	status, raw, err := c.do(method, path, body)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	for _, w := range want {
		if status == w {
			return raw
		}
	}
	log.Fatalf("%s %s: unexpected status %d: %s", method, path, status, raw)
	return nil
}

func main() {
	base := os.Getenv("MODGUARD_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	key := os.Getenv("MODGUARD_SMOKE_KEY")
	if key == "" {
		log.Fatal("missing MODGUARD_SMOKE_KEY (service API key)")
	}

	c := &client{base: base, key: key, http: &http.Client{Timeout: 10 * time.Second}}
	gen := sim.NewGenerator(time.Now().UnixNano())
	scenario := gen.Scenario()

	// Bootstrap the directory for the scenario.
	actors := append([]sim.Actor{scenario.Owner}, scenario.Admins...)
	actors = append(actors, scenario.Members...)
	for _, a := range actors {
		c.must("POST", "/v1/users", map[string]string{"id": a.ID}, http.StatusCreated, http.StatusOK)
	}
	c.must("POST", "/v1/groups", map[string]string{"id": scenario.GroupID, "owner_id": scenario.Owner.ID},
		http.StatusCreated, http.StatusConflict)
	for _, a := range append(scenario.Admins, scenario.Members...) {
		c.must("POST", "/v1/groups/"+scenario.GroupID+"/members", map[string]string{"user_id": a.ID},
			http.StatusOK, http.StatusConflict)
	}
	for _, a := range scenario.Admins {
		c.must("POST", "/v1/groups/"+scenario.GroupID+"/admins", map[string]string{"user_id": a.ID},
			http.StatusOK, http.StatusConflict)
	}

	// Fire a burst of moderation actions as the group staff.
	var stats sim.Counter
	for i := 0; i < 8; i++ {
		sub := gen.Next()
		raw := c.must("POST", "/v1/action/execute", map[string]any{
			"nonce":          sub.Nonce,
			"actor_id":       sub.ActorID,
			"group_id":       sub.GroupID,
			"target_user_id": sub.TargetID,
			"action_kind":    string(sub.Kind),
			"reason":         sub.Reason,
		}, http.StatusOK, http.StatusAccepted, http.StatusForbidden)
		var outcome struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(raw, &outcome); err != nil {
			log.Fatalf("decode outcome: %v", err)
		}
		stats.Add(outcome.State)
	}
	if stats.Completed == 0 {
		log.Fatalf("no action completed: %+v", stats)
	}

	// A plain member must be refused.
	denied := gen.Unauthorized()
	status, raw, err := c.do("POST", "/v1/action/execute", map[string]any{
		"nonce":          denied.Nonce,
		"actor_id":       denied.ActorID,
		"group_id":       denied.GroupID,
		"target_user_id": denied.TargetID,
		"action_kind":    string(denied.Kind),
		"reason":         denied.Reason,
	})
	if err != nil {
		log.Fatalf("unauthorized submission: %v", err)
	}
	if status != http.StatusForbidden {
		log.Fatalf("expected 403 for member-issued ban, got %d: %s", status, raw)
	}

	// Every decision must be on the ledger.
	raw = c.must("GET", "/v1/audit?group="+scenario.GroupID, nil, http.StatusOK)
	var page struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		log.Fatalf("decode audit page: %v", err)
	}
	if len(page.Items) == 0 {
		log.Fatalf("audit ledger is empty for %s", scenario.GroupID)
	}

	fmt.Printf("✅ smoke test passed: submitted=%d completed=%d denied=%d failed=%d audit_entries=%d\n",
		stats.Submitted, stats.Completed, stats.Denied, stats.Failed, len(page.Items))
}
