package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/crypto"
	"github.com/alanyoungcy/priceescrow/internal/domain"
)

const (
	// maxSignedBody caps the request body read for signature verification.
	maxSignedBody = 1 << 20
	// DefaultMaxClockSkew applies when RequireSignature gets no skew.
	DefaultMaxClockSkew = time.Minute
)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the verified caller identity.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity attached by RequireSignature.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok && id != ""
}

// RequireSignature returns middleware that verifies the caller's personal_sign
// signature over timestamp + method + path + body and stores the recovered
// identity in the request context. Requests whose timestamp is further than
// maxSkew from now are rejected; a non-positive maxSkew selects
// DefaultMaxClockSkew. The body is restored for the next handler.
func RequireSignature(maxSkew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			address := r.Header.Get(crypto.HeaderAddress)
			sig := r.Header.Get(crypto.HeaderSignature)
			stamp := r.Header.Get(crypto.HeaderTimestamp)
			if address == "" || sig == "" || stamp == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing signature headers")
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				if err != nil {
					writeJSONError(w, http.StatusUnauthorized, "unreadable request body")
					return
				}
				if len(body) > maxSignedBody {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			id, err := crypto.VerifyRequest(address, sig, stamp, r.Method, r.URL.Path, string(body), now(), maxSkew)
			if err != nil {
				if errors.Is(err, crypto.ErrClockSkew) {
					writeJSONError(w, http.StatusUnauthorized, "request timestamp expired")
					return
				}
				writeJSONError(w, http.StatusUnauthorized, "invalid signature")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
