package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// RequireAPIKey guards operator routes (deposits, audit, archive). The key
// travels as "Authorization: Bearer <key>" or in X-API-Key. Several keys may
// be configured comma separated, so a new key can be rolled out before the
// old one is removed. With no key configured the routes answer 403.
func RequireAPIKey(apiKey string) func(http.Handler) http.Handler {
	var digests [][sha256.Size]byte
	for _, k := range strings.Split(apiKey, ",") {
		if k = strings.TrimSpace(k); k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(digests) == 0 {
				writeJSONError(w, http.StatusForbidden, "operator API disabled")
				return
			}
			token := operatorToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="escrow-operator"`)
				writeJSONError(w, http.StatusUnauthorized, "missing operator key")
				return
			}
			if !matchesAny(digests, token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="escrow-operator", error="invalid_token"`)
				writeJSONError(w, http.StatusUnauthorized, "invalid operator key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares digests so neither the key nor its length leaks
// through timing. Every candidate is checked.
func matchesAny(digests [][sha256.Size]byte, token string) bool {
	sum := sha256.Sum256([]byte(token))
	ok := 0
	for _, d := range digests {
		ok |= subtle.ConstantTimeCompare(sum[:], d[:])
	}
	return ok == 1
}

func operatorToken(r *http.Request) string {
	if scheme, cred, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(cred)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeJSONError writes {"error": msg}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
