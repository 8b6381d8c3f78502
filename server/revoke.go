package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-provider/storage"
)

// RevokeToken revokes a presented credential on behalf of a client.
// Signed tokens are resolved to their record by verified jti, opaque
// credentials by direct lookup. Per the revocation endpoint contract
// revoking an unknown, expired or foreign credential is not an error;
// the caller cannot probe token existence through this path.
//
// Revoking a refresh token revokes its whole authorization, cascading
// to every sibling token. Revoking an access or ID token revokes that
// record alone.
func (s *Server) RevokeToken(ctx context.Context, credential, clientID string) error {
	if credential == "" {
		return flowErrorf(ErrorCodeInvalidRequest, "token is required")
	}

	tokenID, err := s.validator.ResolveTokenID(credential)
	if err != nil {
		// A signed token with a bad signature reveals nothing worth
		// revoking
		return nil
	}

	record, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		s.Logger.Error("Failed to load token for revocation", "error", err)
		return flowErrorf(ErrorCodeServerError, "failed to process revocation")
	}

	authz, err := s.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return nil
	}
	if authz.ClientID != clientID {
		// Foreign credential: succeed without revoking, mirroring the
		// unknown-token response
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authz.Subject, clientID, "", "revocation_client_mismatch")
		}
		return nil
	}

	if record.Kind == storage.KindRefresh {
		if err := s.authorizations.RevokeAuthorization(ctx, authz.ID); err != nil {
			s.Logger.Error("Failed to revoke authorization", "error", err)
			return flowErrorf(ErrorCodeServerError, "failed to process revocation")
		}
	} else if record.Status == storage.StatusActive {
		record.Status = storage.StatusRevoked
		if err := s.tokens.SaveToken(ctx, record); err != nil {
			s.Logger.Error("Failed to revoke token", "error", err)
			return flowErrorf(ErrorCodeServerError, "failed to process revocation")
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(authz.Subject, clientID, "", string(record.Kind))
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, clientID)
	}
	s.Logger.Debug("Token revoked",
		"token_id", safeTruncate(record.ID, 8), "kind", record.Kind)
	return nil
}

// EndSessionForSubject revokes every valid authorization held by the
// subject, optionally scoped to one client, cascading to their tokens.
// Returns the number of authorizations revoked.
func (s *Server) EndSessionForSubject(ctx context.Context, subject, clientID string) (int, error) {
	if subject == "" {
		return 0, flowErrorf(ErrorCodeInvalidRequest, "subject is required")
	}

	revoked, err := s.authorizations.RevokeAuthorizationsForSubject(ctx, subject, clientID)
	if err != nil {
		s.Logger.Error("Failed to end session", "error", err)
		return 0, flowErrorf(ErrorCodeServerError, "failed to end session")
	}

	if s.Auditor != nil {
		s.Auditor.LogSessionEnded(subject, clientID, "", revoked)
	}
	s.Logger.Debug("Session ended", "authorizations_revoked", revoked)
	return revoked, nil
}

// EndSession resolves an ID token hint to its subject and ends that
// subject's session with the hint's client. The hint must be a token
// this process issued; anything else is InvalidGrant.
func (s *Server) EndSession(ctx context.Context, idTokenHint string) (int, error) {
	if idTokenHint == "" {
		return 0, flowErrorf(ErrorCodeInvalidRequest, "id_token_hint is required")
	}

	tokenID, err := s.validator.ResolveTokenID(idTokenHint)
	if err != nil {
		return 0, flowErrorf(ErrorCodeInvalidGrant, "id_token_hint is not recognized")
	}
	record, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return 0, flowErrorf(ErrorCodeInvalidGrant, "id_token_hint is not recognized")
	}
	if record.Kind != storage.KindID {
		return 0, flowErrorf(ErrorCodeInvalidGrant, "id_token_hint is not an ID token")
	}
	authz, err := s.authorizations.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return 0, flowErrorf(ErrorCodeInvalidGrant, "id_token_hint is not recognized")
	}

	return s.EndSessionForSubject(ctx, authz.Subject, authz.ClientID)
}
