package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
)

// RequestIDHeader carries the request ID between proxy, server and
// response.
const RequestIDHeader = "X-Request-ID"

const requestIDEntropyBytes = 16

type requestIDContextKey struct{}

// GenerateRequestID returns a fresh random request ID: 16 bytes of
// entropy as unpadded base64url. A failing system RNG is
// unrecoverable, so it panics.
func GenerateRequestID() string {
	b := make([]byte, requestIDEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID returns the request ID from the context, or "" when
// none was attached.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// isValidRequestID accepts 1-128 characters of [A-Za-z0-9_-], the
// alphabet common upstream proxies emit. Anything else is rejected to
// keep header injection and oversized IDs out of logs and responses.
func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// RequestIDMiddleware attaches a request ID to every request: a valid
// upstream ID is kept for trace continuity, everything else is
// replaced. The ID is echoed on the response and stored in the request
// context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !isValidRequestID(id) {
			id = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
