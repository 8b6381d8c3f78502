package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:       "proxy headers ignored when untrusted",
			remoteAddr: "10.0.0.1:443",
			xff:        "203.0.113.7",
			want:       "10.0.0.1",
		},
		{
			name:       "single trusted proxy",
			remoteAddr: "10.0.0.1:443",
			xff:        "203.0.113.7, 10.0.0.1",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:443",
			xff:               "203.0.113.7, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:443",
			xRealIP:    "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "invalid forwarded value falls back to remote addr",
			remoteAddr: "10.0.0.1:443",
			xff:        "not-an-ip, 10.0.0.1",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
