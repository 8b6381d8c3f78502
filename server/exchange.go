package server

import (
	"context"
	"errors"
	"strings"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/storage"
)

// TokenGrant is a successful token endpoint response.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// Exchange redeems an authorization code for tokens. The code is
// consumed atomically at the store: exactly one concurrent exchange of
// the same code can win. Redeeming an already consumed code is treated
// as replay and revokes every token of the owning authorization.
func (s *Server) Exchange(ctx context.Context, code, clientID, redirectURI string) (*TokenGrant, error) {
	if code == "" {
		return nil, flowErrorf(ErrorCodeInvalidRequest, "code is required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, flowErrorf(ErrorCodeInvalidClient, "unknown client")
	}
	if ferr := s.validateGrantType(client, "authorization_code"); ferr != nil {
		return nil, ferr
	}

	record, err := s.tokens.AtomicConsumeToken(ctx, code)
	if err != nil {
		return nil, s.consumeError(ctx, err, record, clientID, storage.KindAuthorizationCode)
	}
	if record.Kind != storage.KindAuthorizationCode {
		return nil, flowErrorf(ErrorCodeInvalidGrant, "presented credential is not an authorization code")
	}

	authz, err := s.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		s.Logger.Error("Failed to load authorization for code exchange", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to load authorization")
	}
	if authz.Status != storage.AuthorizationValid {
		return nil, flowErrorf(ErrorCodeInvalidGrant, "authorization has been revoked")
	}
	if authz.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authz.Subject, clientID, "", "code_client_mismatch")
		}
		return nil, flowErrorf(ErrorCodeInvalidGrant, "code was not issued to this client")
	}
	if record.RedirectURI != redirectURI {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authz.Subject, clientID, "", "code_redirect_uri_mismatch")
		}
		return nil, flowErrorf(ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	grant, err := s.issueGrant(ctx, authz, record.Nonce, true)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authz.Subject, authz.ClientID, "", grant.Scope, "authorization_code")
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, authz.ClientID)
	}
	s.Logger.Debug("Authorization code exchanged",
		"authorization_id", authz.ID, "client_id", authz.ClientID)

	return grant, nil
}

// Refresh redeems a refresh token for a fresh token set. Under
// rotation the presented token is consumed atomically and a new one
// issued; presenting an already consumed refresh token is treated as
// theft and revokes the whole owning authorization.
func (s *Server) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, flowErrorf(ErrorCodeInvalidRequest, "refresh_token is required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, flowErrorf(ErrorCodeInvalidClient, "unknown client")
	}
	if ferr := s.validateGrantType(client, "refresh_token"); ferr != nil {
		return nil, ferr
	}

	record, err := s.tokens.AtomicConsumeToken(ctx, refreshToken)
	if err != nil {
		return nil, s.consumeError(ctx, err, record, clientID, storage.KindRefresh)
	}
	if record.Kind != storage.KindRefresh {
		return nil, flowErrorf(ErrorCodeInvalidGrant, "presented credential is not a refresh token")
	}

	authz, err := s.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		s.Logger.Error("Failed to load authorization for refresh", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to load authorization")
	}
	if authz.Status != storage.AuthorizationValid {
		return nil, flowErrorf(ErrorCodeInvalidGrant, "authorization has been revoked")
	}
	if authz.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authz.Subject, clientID, "", "refresh_client_mismatch")
		}
		return nil, flowErrorf(ErrorCodeInvalidGrant, "refresh token was not issued to this client")
	}

	grant, err := s.issueGrant(ctx, authz, "", s.Config.RotateRefreshTokens)
	if err != nil {
		return nil, err
	}
	if !s.Config.RotateRefreshTokens {
		// Without rotation the presented token stays live and is
		// handed back unchanged.
		grant.RefreshToken = refreshToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(authz.Subject, authz.ClientID, "", s.Config.RotateRefreshTokens)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, authz.ClientID, s.Config.RotateRefreshTokens)
	}
	s.Logger.Debug("Refresh token redeemed",
		"authorization_id", authz.ID,
		"client_id", authz.ClientID,
		"rotated", s.Config.RotateRefreshTokens)

	return grant, nil
}

// issueGrant builds the token set for a valid authorization: access
// token always, ID token when the openid scope was granted, refresh
// token only when withRefresh is set. A non-rotating refresh must not
// mint a sibling record, or the store accumulates live credentials.
func (s *Server) issueGrant(ctx context.Context, authz *storage.Authorization, nonce string, withRefresh bool) (*TokenGrant, error) {
	accessToken, _, err := s.issuer.IssueAccessToken(ctx, authz)
	if err != nil {
		s.Logger.Error("Failed to issue access token", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "token issuance failed")
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(authz.GrantedScopes, " "),
	}

	if withRefresh {
		refreshToken, _, err := s.issuer.IssueRefreshToken(ctx, authz)
		if err != nil {
			s.Logger.Error("Failed to issue refresh token", "error", err)
			return nil, flowErrorf(ErrorCodeServerError, "token issuance failed")
		}
		grant.RefreshToken = refreshToken
	}

	if authz.HasScope("openid") {
		principal := s.lookupPrincipal(ctx, authz.Subject)
		idToken, _, err := s.issuer.IssueIDToken(ctx, authz, principal, nonce)
		if err != nil {
			s.Logger.Error("Failed to issue ID token", "error", err)
			return nil, flowErrorf(ErrorCodeServerError, "token issuance failed")
		}
		grant.IDToken = idToken
	}

	return grant, nil
}

// lookupPrincipal resolves the subject for ID token claims. A missing
// source or a vanished subject degrades to standard claims only.
func (s *Server) lookupPrincipal(ctx context.Context, subject string) *identity.Principal {
	if s.Identities == nil {
		return nil
	}
	principal, err := s.Identities.Lookup(ctx, subject)
	if err != nil {
		if !errors.Is(err, identity.ErrPrincipalNotFound) {
			s.Logger.Warn("Principal lookup failed", "error", err)
		}
		return nil
	}
	return principal
}

// consumeError maps an AtomicConsumeToken failure to a flow rejection.
// Reuse of a consumed credential is the security-relevant case: for
// authorization codes every token of the owning authorization is
// revoked, for refresh tokens the authorization itself is revoked
// (suspected token theft).
func (s *Server) consumeError(ctx context.Context, err error, record *storage.TokenRecord, clientID string, kind storage.TokenKind) error {
	switch {
	case errors.Is(err, storage.ErrTokenConsumed):
		if record == nil {
			return flowErrorf(ErrorCodeInvalidGrant, "credential has already been used")
		}
		subject := s.authorizationSubject(ctx, record.AuthorizationID)
		if kind == storage.KindRefresh || record.Kind == storage.KindRefresh {
			if err := s.authorizations.RevokeAuthorization(ctx, record.AuthorizationID); err != nil {
				s.Logger.Error("Failed to revoke authorization after refresh token reuse",
					"authorization_id", record.AuthorizationID, "error", err)
			}
			if s.Auditor != nil {
				s.Auditor.LogRefreshReuseDetected(subject, clientID, "")
			}
			if m := s.metrics(); m != nil {
				m.RecordRefreshReuseDetected(ctx)
			}
		} else {
			if _, err := s.tokens.RevokeTokensForAuthorization(ctx, record.AuthorizationID); err != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse",
					"authorization_id", record.AuthorizationID, "error", err)
			}
			if s.Auditor != nil {
				s.Auditor.LogCodeReuseDetected(subject, clientID, "")
			}
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
		}
		s.Logger.Warn("Credential reuse detected, revoked associated grants",
			"token_id", safeTruncate(record.ID, 8),
			"authorization_id", record.AuthorizationID)
		return flowErrorf(ErrorCodeInvalidGrant, "credential has already been used")

	case errors.Is(err, storage.ErrTokenExpired):
		return flowErrorf(ErrorCodeInvalidGrant, "credential has expired")
	case errors.Is(err, storage.ErrTokenRevoked):
		return flowErrorf(ErrorCodeInvalidGrant, "credential has been revoked")
	case errors.Is(err, storage.ErrTokenNotFound):
		return flowErrorf(ErrorCodeInvalidGrant, "unknown credential")
	default:
		s.Logger.Error("Failed to consume credential", "error", err)
		return flowErrorf(ErrorCodeServerError, "failed to process credential")
	}
}

func (s *Server) authorizationSubject(ctx context.Context, authorizationID string) string {
	authz, err := s.authorizations.GetAuthorization(ctx, authorizationID)
	if err != nil {
		return ""
	}
	return authz.Subject
}
