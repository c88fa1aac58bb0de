package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/taskcore/internal/config"
)

type authContextKey struct{}

// AuthMiddleware checks API keys against the configured key list.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		keys:    append([]config.APIKeyEntry(nil), cfg.Keys...),
		enabled: cfg.Enabled && len(cfg.Keys) > 0,
	}
}

// Wrap rejects requests without a known key. Public paths pass through.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey reads the key from, in order, an Authorization bearer token,
// the X-API-Key header and the api_key query parameter. Browsers cannot set
// headers on websocket upgrades, hence the query parameter.
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares every key in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	var (
		found config.APIKeyEntry
		ok    bool
	)
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found, ok = entry, true
		}
	}
	return found, ok
}

// KeyEntryFromContext returns the key that authenticated the request.
func KeyEntryFromContext(ctx context.Context) (config.APIKeyEntry, bool) {
	entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry)
	return entry, ok
}

func isPublicPath(path string) bool {
	return path == "/healthz"
}
