package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"modguard.org/internal/action"
	"modguard.org/internal/audit"
	"modguard.org/internal/auth"
	"modguard.org/internal/authz"
	"modguard.org/internal/directory"
	"modguard.org/internal/obs"
	"modguard.org/internal/stream"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP gateway: authn, rate limiting, and handlers over the
// resolver, coordinator, ledger and directory.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	resolver    *authz.Resolver
	coordinator *action.Coordinator
	ledger      audit.Ledger
	dir         directory.Store
	keyring     *auth.Keyring
	stream      *stream.Stream
	limiters    *limiterPool

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, resolver *authz.Resolver, coordinator *action.Coordinator, ledger audit.Ledger, dir directory.Store, keyring *auth.Keyring, st *stream.Stream) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		resolver:    resolver,
		coordinator: coordinator,
		ledger:      ledger,
		dir:         dir,
		keyring:     keyring,
		stream:      st,
		limiters:    newLimiterPool(5 * time.Minute),
		rateBurst:   20,
		ratePerSec:  10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/health", a.Health)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// domain surface
	a.mux.HandleFunc("/v1/permission/check", a.handlePermissionCheck)
	a.mux.HandleFunc("/v1/action/execute", a.handleActionExecute)
	a.mux.HandleFunc("/v1/actions/", a.handleActionResource)
	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)

	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/groups", a.handleGroupsCollection)
	a.mux.HandleFunc("/v1/groups/", a.handleGroupResource)

	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Close stops the limiter janitor. Call after the server has shut down.
func (a *API) Close() {
	if a.limiters != nil {
		a.limiters.close()
	}
}

// Handler assembles the middleware chain around the mux. Rate limiting runs
// after authentication so buckets key on the authenticated actor.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.rateLimit(h)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "modguard-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{"store": "ok"}
	status := "ok"
	code := http.StatusOK
	if err := a.readyProbe.Check(r.Context()); err != nil {
		deps["store"] = err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"version":      a.version,
		"dependencies": deps,
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "modguard-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
