package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"modguard.org/internal/auth"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errBadScheme          = errors.New("invalid authorization scheme")
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	apiKeyHeader = "X-API-Key"
)

var publicPaths = []string{
	"/metrics",
	"/health",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request: X-API-Key service keys
// first, then bearer JWTs. The resulting principal rides the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
			name, err := a.keyring.Verify(key)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid api key")
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{Service: name})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{
			UserID: claims.Subject,
			Roles:  claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingCredentials
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingCredentials
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
