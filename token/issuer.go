package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/storage"
)

// Config holds issuance policy: the issuer identifier and per-kind TTLs.
type Config struct {
	// Issuer is the value of the iss claim on every signed token.
	Issuer string

	// Per-kind token lifetimes.
	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	IDTokenTTL           time.Duration

	// RotateRefreshTokens marks refresh tokens single-use, so each
	// refresh grant consumes the presented token and issues a new one.
	RotateRefreshTokens bool

	// EncryptIDTokens nests signed ID tokens inside a JWE layer using
	// the process encryption key.
	EncryptIDTokens bool
}

// Issuer builds and signs tokens and persists their records. A
// serialized credential is never handed out without a stored record:
// persistence failure fails the whole issuance.
type Issuer struct {
	config    Config
	keys      *keys.Manager
	tokens    storage.TokenStore
	signer    jose.Signer
	encrypter jose.Encrypter
	logger    *slog.Logger
}

// NewIssuer creates a token issuer bound to the process key material.
func NewIssuer(config Config, km *keys.Manager, tokens storage.TokenStore, logger *slog.Logger) (*Issuer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	signer, err := jose.NewSigner(km.SigningKey(), (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	issuer := &Issuer{
		config: config,
		keys:   km,
		tokens: tokens,
		signer: signer,
		logger: logger,
	}

	if config.EncryptIDTokens {
		// cty JWT marks the payload as a nested signed token
		encrypter, err := jose.NewEncrypter(
			keys.EncryptionContentAlgorithm,
			km.EncryptionRecipient(),
			(&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create encrypter: %w", err)
		}
		issuer.encrypter = encrypter
	}

	return issuer, nil
}

// IssueAuthorizationCode mints a short-lived, single-use opaque code
// bound to the authorization, the redirect URI it must be redeemed
// with, and the request nonce (carried through to the ID token).
func (i *Issuer) IssueAuthorizationCode(ctx context.Context, authz *storage.Authorization, redirectURI, nonce string) (string, *storage.TokenRecord, error) {
	now := time.Now()
	record := &storage.TokenRecord{
		ID:              oauth2.GenerateVerifier(),
		Kind:            storage.KindAuthorizationCode,
		AuthorizationID: authz.ID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.config.AuthorizationCodeTTL),
		SingleUse:       true,
		Status:          storage.StatusActive,
		RedirectURI:     redirectURI,
		Nonce:           nonce,
	}

	if err := i.tokens.SaveToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}
	return record.ID, record, nil
}

// IssueAccessToken mints a signed JWT access token. The payload carries
// subject and scope only; identity claims belong to the ID token and
// userinfo responses.
func (i *Issuer) IssueAccessToken(ctx context.Context, authz *storage.Authorization) (string, *storage.TokenRecord, error) {
	now := time.Now()
	record := &storage.TokenRecord{
		ID:              uuid.NewString(),
		Kind:            storage.KindAccess,
		AuthorizationID: authz.ID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.config.AccessTokenTTL),
		Status:          storage.StatusActive,
	}

	claims := jwt.Claims{
		Issuer:   i.config.Issuer,
		Subject:  authz.Subject,
		Audience: jwt.Audience{authz.ClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(record.ExpiresAt),
		ID:       record.ID,
	}
	extra := map[string]any{
		"client_id": authz.ClientID,
		"scope":     strings.Join(authz.GrantedScopes, " "),
	}

	serialized, err := jwt.Signed(i.signer).Claims(claims).Claims(extra).Serialize()
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	if err := i.tokens.SaveToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	return serialized, record, nil
}

// IssueRefreshToken mints an opaque refresh token. Under rotation the
// record is single-use: redeeming it consumes it atomically.
func (i *Issuer) IssueRefreshToken(ctx context.Context, authz *storage.Authorization) (string, *storage.TokenRecord, error) {
	now := time.Now()
	record := &storage.TokenRecord{
		ID:              oauth2.GenerateVerifier(),
		Kind:            storage.KindRefresh,
		AuthorizationID: authz.ID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.config.RefreshTokenTTL),
		SingleUse:       i.config.RotateRefreshTokens,
		Status:          storage.StatusActive,
	}

	if err := i.tokens.SaveToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return record.ID, record, nil
}

// IssueIDToken mints a signed (and, when configured, encrypted) ID
// token carrying the identity claims the granted scopes unlock.
func (i *Issuer) IssueIDToken(ctx context.Context, authz *storage.Authorization, principal *identity.Principal, nonce string) (string, *storage.TokenRecord, error) {
	resolved, err := ResolveClaims(principal, authz.GrantedScopes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve claims: %w", err)
	}

	now := time.Now()
	record := &storage.TokenRecord{
		ID:              uuid.NewString(),
		Kind:            storage.KindID,
		AuthorizationID: authz.ID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.config.IDTokenTTL),
		Status:          storage.StatusActive,
		Nonce:           nonce,
	}

	claims := jwt.Claims{
		Issuer:   i.config.Issuer,
		Subject:  authz.Subject,
		Audience: jwt.Audience{authz.ClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(record.ExpiresAt),
		ID:       record.ID,
	}
	if nonce != "" {
		resolved["nonce"] = nonce
	}

	var serialized string
	if i.encrypter != nil {
		serialized, err = jwt.SignedAndEncrypted(i.signer, i.encrypter).Claims(claims).Claims(resolved).Serialize()
	} else {
		serialized, err = jwt.Signed(i.signer).Claims(claims).Claims(resolved).Serialize()
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign ID token: %w", err)
	}

	if err := i.tokens.SaveToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist ID token: %w", err)
	}
	return serialized, record, nil
}
