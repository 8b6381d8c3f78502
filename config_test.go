package oidc

import (
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestApplySecureDefaults(t *testing.T) {
	config := &Config{Issuer: "http://issuer.example.com"}
	applySecureDefaults(config, slog.Default())

	if config.AuthorizationCodeTTL != 10*time.Minute {
		t.Errorf("AuthorizationCodeTTL = %v", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != time.Hour {
		t.Errorf("AccessTokenTTL = %v", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 90*24*time.Hour {
		t.Errorf("RefreshTokenTTL = %v", config.RefreshTokenTTL)
	}
	if config.IDTokenTTL != config.AccessTokenTTL {
		t.Errorf("IDTokenTTL = %v, want matched to access token TTL", config.IDTokenTTL)
	}
	if config.ClockSkewGracePeriod != 5*time.Second {
		t.Errorf("ClockSkewGracePeriod = %v", config.ClockSkewGracePeriod)
	}
	if config.PruneInterval != time.Minute {
		t.Errorf("PruneInterval = %v", config.PruneInterval)
	}
	if config.PruneBatchSize != 100 {
		t.Errorf("PruneBatchSize = %d", config.PruneBatchSize)
	}
	if config.DisableRefreshTokenRotation {
		t.Error("rotation disabled by default")
	}

	if !slices.Contains(config.SupportedScopes, "openid") {
		t.Errorf("SupportedScopes = %v", config.SupportedScopes)
	}
	if !slices.Contains(config.AllowedGrantTypes, "refresh_token") {
		t.Errorf("AllowedGrantTypes = %v", config.AllowedGrantTypes)
	}
	if !slices.Contains(config.AllowedResponseTypes, "code id_token") {
		t.Errorf("AllowedResponseTypes = %v", config.AllowedResponseTypes)
	}

	if config.Endpoints.Discovery != "/.well-known/openid-configuration" {
		t.Errorf("Discovery path = %q", config.Endpoints.Discovery)
	}
	if config.Endpoints.Token != "/token" {
		t.Errorf("Token path = %q", config.Endpoints.Token)
	}
}

func TestApplySecureDefaultsPreservesExplicitValues(t *testing.T) {
	config := &Config{
		Issuer:               "http://issuer.example.com",
		AccessTokenTTL:       5 * time.Minute,
		SupportedScopes:      []string{"openid"},
		AllowedResponseTypes: []string{"code"},
		Endpoints:            EndpointConfig{Token: "/oauth2/token"},
	}
	applySecureDefaults(config, slog.Default())

	if config.AccessTokenTTL != 5*time.Minute {
		t.Errorf("explicit AccessTokenTTL overridden: %v", config.AccessTokenTTL)
	}
	if len(config.SupportedScopes) != 1 {
		t.Errorf("explicit SupportedScopes overridden: %v", config.SupportedScopes)
	}
	if len(config.AllowedResponseTypes) != 1 {
		t.Errorf("explicit AllowedResponseTypes overridden: %v", config.AllowedResponseTypes)
	}
	if config.Endpoints.Token != "/oauth2/token" {
		t.Errorf("explicit token path overridden: %q", config.Endpoints.Token)
	}
	if config.Endpoints.Authorization != "/authorize" {
		t.Errorf("unset authorization path not defaulted: %q", config.Endpoints.Authorization)
	}
}

func TestDefaultSupportedClaims(t *testing.T) {
	claims := defaultSupportedClaims()

	for _, want := range []string{"sub", "name", "email", "email_verified", "phone_number", "address", "updated_at"} {
		if !slices.Contains(claims, want) {
			t.Errorf("default claims missing %q", want)
		}
	}

	seen := make(map[string]bool)
	for _, c := range claims {
		if seen[c] {
			t.Errorf("duplicate claim %q", c)
		}
		seen[c] = true
	}
}
