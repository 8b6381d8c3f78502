package security

import (
	"net/http"
	"strings"
)

// baseSecurityHeaders apply to every provider response. Endpoint
// responses carry credentials, so caching is disabled and framing is
// denied outright.
var baseSecurityHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders sets the provider's standard security headers.
// HSTS is added only when the issuer itself is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	header := w.Header()
	for name, value := range baseSecurityHeaders {
		header.Set(name, value)
	}
	if strings.HasPrefix(issuerURL, "https://") {
		header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
