package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == id2 {
		t.Error("consecutive request IDs are identical")
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated ID %q fails validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(t.Context(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
	if got := GetRequestID(t.Context()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstreamID string
		preserved  bool
	}{
		{name: "generates when missing", upstreamID: "", preserved: false},
		{name: "preserves valid upstream ID", upstreamID: "upstream-42", preserved: true},
		{name: "replaces injected header", upstreamID: "bad\r\nvalue", preserved: false},
		{name: "replaces overlong ID", upstreamID: string(make([]byte, 200)), preserved: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstreamID != "" {
				r.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("no request ID in handler context")
			}
			if !isValidRequestID(seen) {
				t.Errorf("context request ID %q fails validation", seen)
			}
			if tt.preserved && seen != tt.upstreamID {
				t.Errorf("upstream ID not preserved: got %q, want %q", seen, tt.upstreamID)
			}
			if !tt.preserved && seen == tt.upstreamID {
				t.Errorf("invalid upstream ID %q was preserved", tt.upstreamID)
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q does not match context ID %q", got, seen)
			}
		})
	}
}
