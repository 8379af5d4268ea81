package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/loopbreaker/scriptrunner/internal/api/response"
	"github.com/loopbreaker/scriptrunner/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards mutating routes with a single shared API key. The key is
// compared against a bcrypt hash when one is configured, else in constant
// time against the plain key. With neither configured every request passes.
type Auth struct {
	key  []byte
	hash []byte
}

// NewAuth creates a new Auth middleware.
func NewAuth(cfg config.AuthConfig) *Auth {
	a := &Auth{}
	if cfg.APIKeyHash != "" {
		a.hash = []byte(cfg.APIKeyHash)
	} else if cfg.APIKey != "" {
		a.key = []byte(cfg.APIKey)
	}
	return a
}

// Enabled reports whether requests must carry the API key.
func (a *Auth) Enabled() bool {
	return a.hash != nil || a.key != nil
}

// Authenticate accepts the key as a Bearer token or in X-API-Key.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractAPIKey(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing API key", nil)
			return
		}
		if !a.matches(rawKey) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		r = r.WithContext(setClientID(r.Context(), "key:"+fingerprint(rawKey)))
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) matches(rawKey string) bool {
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(rawKey)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(rawKey), a.key) == 1
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// fingerprint names a key in rate-limit buckets without storing it.
func fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:8])
}
