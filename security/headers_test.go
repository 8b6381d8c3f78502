package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "http://issuer.example.com")

	want := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store, no-cache, must-revalidate, private",
		"Pragma":                  "no-cache",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}

	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS set for http issuer: %q", got)
	}
}

func TestSetSecurityHeadersHSTS(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://issuer.example.com")

	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("HSTS missing for https issuer")
	}
}
