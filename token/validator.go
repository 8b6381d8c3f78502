package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// ErrInvalidToken indicates a token that fails structural or
// cryptographic checks: unparseable, wrong algorithm, bad signature,
// or unknown token ID.
var ErrInvalidToken = errors.New("invalid token")

// Validation is the result of a successful access token check.
type Validation struct {
	TokenID         string
	AuthorizationID string
	Subject         string
	ClientID        string
	Scopes          []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// HasScope reports whether the validated token carries the scope.
func (v *Validation) HasScope(scope string) bool {
	for _, s := range v.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator checks inbound bearer tokens. Signature verification uses
// the current process keys only; tokens signed before the last restart
// fail here, which is the intended key lifecycle. Beyond the
// cryptographic checks it resolves the token record and its owning
// authorization, so revocation takes effect immediately even for
// unexpired, correctly signed tokens.
type Validator struct {
	issuer         string
	clockSkew      time.Duration
	keys           *keys.Manager
	tokens         storage.TokenStore
	authorizations storage.AuthorizationStore
}

// NewValidator creates a validator bound to the process key material.
func NewValidator(issuer string, clockSkew time.Duration, km *keys.Manager, tokens storage.TokenStore, authorizations storage.AuthorizationStore) *Validator {
	if clockSkew == 0 {
		clockSkew = security.DefaultClockSkewGracePeriod
	}
	return &Validator{
		issuer:         issuer,
		clockSkew:      clockSkew,
		keys:           km,
		tokens:         tokens,
		authorizations: authorizations,
	}
}

// accessTokenClaims are the non-standard claims carried by access tokens.
type accessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// ValidateAccessToken verifies a bearer access token end to end:
// signature against the current signing key, issuer, expiry and
// not-before with clock-skew grace, then the stored record's status
// and finally the owning authorization's status. A revoked
// authorization rejects the token regardless of its signature.
func (v *Validator) ValidateAccessToken(ctx context.Context, raw string) (*Validation, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{keys.SigningAlgorithm})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var std jwt.Claims
	var extra accessTokenClaims
	if err := parsed.Claims(v.keys.VerificationKey(), &std, &extra); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer: v.issuer,
		Time:   time.Now(),
	}, v.clockSkew)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return nil, storage.ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	record, err := v.tokens.GetToken(ctx, std.ID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: unknown token ID", ErrInvalidToken)
		}
		return nil, fmt.Errorf("failed to load token record: %w", err)
	}
	if record.Kind != storage.KindAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	switch record.Status {
	case storage.StatusRevoked:
		return nil, storage.ErrTokenRevoked
	case storage.StatusConsumed:
		return nil, storage.ErrTokenConsumed
	}
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt, v.clockSkew) {
		return nil, storage.ErrTokenExpired
	}

	authz, err := v.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	if authz.Status != storage.AuthorizationValid {
		return nil, storage.ErrTokenRevoked
	}

	// The aud claim must match the authorization's client
	if len(std.Audience) == 0 || !std.Audience.Contains(authz.ClientID) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	return &Validation{
		TokenID:         record.ID,
		AuthorizationID: authz.ID,
		Subject:         authz.Subject,
		ClientID:        authz.ClientID,
		Scopes:          strings.Fields(extra.Scope),
		IssuedAt:        record.IssuedAt,
		ExpiresAt:       record.ExpiresAt,
	}, nil
}

// ResolveTokenID maps a presented credential to its record ID without
// any status or expiry checks. Signed tokens resolve to their jti after
// signature verification; opaque credentials resolve to themselves.
// Revocation needs this: a token under an already revoked authorization
// must still resolve so revoking it stays idempotent.
func (v *Validator) ResolveTokenID(credential string) (string, error) {
	parsed, err := jwt.ParseSigned(credential, []jose.SignatureAlgorithm{keys.SigningAlgorithm})
	if err != nil {
		// Not a JWS, treat as opaque
		return credential, nil
	}

	var std jwt.Claims
	if err := parsed.Claims(v.keys.VerificationKey(), &std); err != nil {
		return "", fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}
	return std.ID, nil
}

// Introspection is the result of an introspection lookup, mirroring
// the standard introspection response fields.
type Introspection struct {
	Active    bool
	TokenID   string
	Kind      storage.TokenKind
	Subject   string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Introspect resolves any issued credential: signed access tokens and
// opaque refresh tokens or codes. Any failure yields an inactive
// result rather than an error, so callers cannot distinguish unknown
// from revoked tokens.
func (v *Validator) Introspect(ctx context.Context, credential string) *Introspection {
	if validation, err := v.ValidateAccessToken(ctx, credential); err == nil {
		return &Introspection{
			Active:    true,
			TokenID:   validation.TokenID,
			Kind:      storage.KindAccess,
			Subject:   validation.Subject,
			ClientID:  validation.ClientID,
			Scope:     strings.Join(validation.Scopes, " "),
			IssuedAt:  validation.IssuedAt,
			ExpiresAt: validation.ExpiresAt,
		}
	}

	// Opaque credentials are their own record IDs
	record, err := v.tokens.GetToken(ctx, credential)
	if err != nil {
		return &Introspection{Active: false}
	}
	if record.Status != storage.StatusActive {
		return &Introspection{Active: false}
	}
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt, v.clockSkew) {
		return &Introspection{Active: false}
	}

	authz, err := v.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil || authz.Status != storage.AuthorizationValid {
		return &Introspection{Active: false}
	}

	return &Introspection{
		Active:    true,
		TokenID:   record.ID,
		Kind:      record.Kind,
		Subject:   authz.Subject,
		ClientID:  authz.ClientID,
		Scope:     strings.Join(authz.GrantedScopes, " "),
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}
}
