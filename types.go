package oidc

// ProviderMetadata represents the OpenID Connect discovery document
// served at /.well-known/openid-configuration. Every value is read
// from server configuration, never hardcoded.
type ProviderMetadata struct {
	// Issuer is the provider's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// UserinfoEndpoint is the URL of the userinfo endpoint
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JWKSURI points at the provider's public key set
	JWKSURI string `json:"jwks_uri"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// EndSessionEndpoint is the URL of the end-session endpoint
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// ScopesSupported lists the scopes the provider accepts
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ClaimsSupported lists the claims the provider can emit
	ClaimsSupported []string `json:"claims_supported,omitempty"`

	// ResponseTypesSupported lists the enabled authorization endpoint flows
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the enabled token endpoint grants
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// SubjectTypesSupported is always ["public"]
	SubjectTypesSupported []string `json:"subject_types_supported"`

	// IDTokenSigningAlgValuesSupported lists the ID token signing algorithms
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`

	// IDTokenEncryptionAlgValuesSupported lists the ID token key
	// encryption algorithms, present only when encryption is enabled
	IDTokenEncryptionAlgValuesSupported []string `json:"id_token_encryption_alg_values_supported,omitempty"`

	// IDTokenEncryptionEncValuesSupported lists the ID token content
	// encryption algorithms, present only when encryption is enabled
	IDTokenEncryptionEncValuesSupported []string `json:"id_token_encryption_enc_values_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token endpoint response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OpenID Connect ID token (optional)
	IDToken string `json:"id_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// IntrospectionResponse represents an RFC 7662 introspection response.
// Inactive tokens carry active=false and nothing else, so callers
// cannot distinguish unknown from revoked tokens.
type IntrospectionResponse struct {
	// Active reports whether the token is live
	Active bool `json:"active"`

	// Scope is the space-separated scope set of the token
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id,omitempty"`

	// Subject is the resource owner the token represents
	Subject string `json:"sub,omitempty"`

	// TokenType is the kind of token
	TokenType string `json:"token_type,omitempty"`

	// ExpiresAt is the expiration time as a Unix timestamp
	ExpiresAt int64 `json:"exp,omitempty"`

	// IssuedAt is the issuance time as a Unix timestamp
	IssuedAt int64 `json:"iat,omitempty"`

	// Issuer is the provider's issuer identifier
	Issuer string `json:"iss,omitempty"`

	// TokenID is the token's unique identifier
	TokenID string `json:"jti,omitempty"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
