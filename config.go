package oidc

import (
	"log/slog"
	"time"
)

// Config holds the provider configuration. Everything the discovery
// document advertises is read from here, never hardcoded.
type Config struct {
	// Issuer is the provider's issuer identifier (base URL). Required.
	Issuer string

	// Endpoints holds the endpoint path configuration.
	Endpoints EndpointConfig

	// Clients seeds the client registry at startup. Clients are
	// immutable afterwards; there is no dynamic registration.
	Clients []ClientConfig

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Default: 90 days.
	RefreshTokenTTL time.Duration

	// IDTokenTTL is how long ID tokens are valid.
	// Default: 1 hour, matched to the access token lifetime.
	IDTokenTTL time.Duration

	// DisableRefreshTokenRotation disables refresh token rotation.
	// WARNING: Violates OAuth 2.1. Stolen refresh tokens remain valid
	// until expiry and reuse detection is lost.
	DisableRefreshTokenRotation bool

	// EncryptIDTokens nests signed ID tokens inside an encryption
	// layer using the process encryption key.
	EncryptIDTokens bool

	// SupportedScopes lists the scopes the provider accepts and
	// advertises. Default: openid, profile, email, phone, address,
	// offline_access.
	SupportedScopes []string

	// SupportedClaims lists the claims advertised in discovery.
	// Default: the union of the scope-to-claims mapping plus sub.
	SupportedClaims []string

	// AllowedResponseTypes lists the response types the authorization
	// endpoint accepts. Default: code, token, id_token token,
	// code token, code id_token.
	AllowedResponseTypes []string

	// AllowedGrantTypes lists the grant types the token endpoint
	// accepts. Default: authorization_code, refresh_token.
	AllowedGrantTypes []string

	// ClockSkewGracePeriod is the grace period for token expiry and
	// not-before checks. Default: 5 seconds.
	ClockSkewGracePeriod time.Duration

	// PruneInterval is how often the pruning service runs.
	// Default: 1 minute.
	PruneInterval time.Duration

	// PruneBatchSize bounds how many records one pruning batch
	// deletes. Default: 100.
	PruneBatchSize int

	// RateLimit configures per-IP rate limiting on the token endpoint.
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of
	// this server, used to extract the client IP. Default: 1.
	TrustedProxyCount int

	// EnableAuditLogging enables security audit logging. Sensitive
	// identifiers are hashed before logging.
	EnableAuditLogging bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// EndpointConfig holds the endpoint paths the provider serves and
// advertises in its discovery document.
type EndpointConfig struct {
	Authorization string // default: /authorize
	Token         string // default: /token
	Introspection string // default: /introspect
	Userinfo      string // default: /userinfo
	Revocation    string // default: /revoke
	EndSession    string // default: /endsession
	JWKS          string // default: /jwks
	Discovery     string // default: /.well-known/openid-configuration
}

// ClientConfig describes one statically provisioned client.
type ClientConfig struct {
	// ID is the client identifier. Required.
	ID string

	// SecretHash is the bcrypt hash of the client secret. Required
	// for confidential clients, empty for public clients.
	SecretHash string

	// Public marks the client as public (no secret, no token endpoint
	// authentication).
	Public bool

	// RedirectURIs are matched exactly against the redirect_uri
	// parameter. At least one is required.
	RedirectURIs []string

	// Scopes the client may request. Empty means all supported scopes.
	Scopes []string

	// GrantTypes the client may use. Empty means all allowed grant types.
	GrantTypes []string

	// ResponseTypes the client may use at the authorization endpoint.
	// Empty means code only.
	ResponseTypes []string

	// Name is a human-readable client name.
	Name string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// DefaultScopeClaims is the static scope-to-claims mapping. Claims
// emitted for a subject are always a subset of this table restricted
// to the scopes actually granted.
var DefaultScopeClaims = map[string][]string{
	"profile": {
		"name", "given_name", "family_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"phone":   {"phone_number", "phone_number_verified"},
	"address": {"address"},
}

// applySecureDefaults applies secure-by-default configuration values
// and logs warnings for explicitly weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyEndpointDefaults(&config.Endpoints)
	applyTimeDefaults(config)

	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{"openid", "profile", "email", "phone", "address", "offline_access"}
	}
	if len(config.SupportedClaims) == 0 {
		config.SupportedClaims = defaultSupportedClaims()
	}
	if len(config.AllowedResponseTypes) == 0 {
		config.AllowedResponseTypes = []string{"code", "token", "id_token token", "code token", "code id_token"}
	}
	if len(config.AllowedGrantTypes) == 0 {
		config.AllowedGrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if config.PruneBatchSize == 0 {
		config.PruneBatchSize = 100
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.DisableRefreshTokenRotation {
		logger.Warn("Refresh token rotation is DISABLED - stolen refresh tokens remain valid until expiry")
	}
	if config.TrustProxy {
		logger.Info("Proxy headers trusted for client IP extraction",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}

func applyEndpointDefaults(e *EndpointConfig) {
	if e.Authorization == "" {
		e.Authorization = "/authorize"
	}
	if e.Token == "" {
		e.Token = "/token"
	}
	if e.Introspection == "" {
		e.Introspection = "/introspect"
	}
	if e.Userinfo == "" {
		e.Userinfo = "/userinfo"
	}
	if e.Revocation == "" {
		e.Revocation = "/revoke"
	}
	if e.EndSession == "" {
		e.EndSession = "/endsession"
	}
	if e.JWKS == "" {
		e.JWKS = "/jwks"
	}
	if e.Discovery == "" {
		e.Discovery = "/.well-known/openid-configuration"
	}
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 90 * 24 * time.Hour
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5 * time.Second
	}
	if config.PruneInterval == 0 {
		config.PruneInterval = time.Minute
	}
}

func defaultSupportedClaims() []string {
	claims := []string{"sub", "iss", "aud", "exp", "iat", "nonce"}
	seen := make(map[string]bool, len(claims))
	for _, c := range claims {
		seen[c] = true
	}
	for _, scope := range []string{"profile", "email", "phone", "address"} {
		for _, c := range DefaultScopeClaims[scope] {
			if !seen[c] {
				seen[c] = true
				claims = append(claims, c)
			}
		}
	}
	return claims
}
