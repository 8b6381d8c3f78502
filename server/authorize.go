package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// AuthorizeRequest carries the parameters of an authorization endpoint
// request after transport decoding.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	Nonce        string
}

// AuthorizeResult is a successful authorization response. Depending on
// the flow it carries a code, front-channel tokens, or both. The HTTP
// layer encodes it into the redirect: query parameters for the code
// flow, URI fragment when FragmentEncoded is set.
type AuthorizeResult struct {
	AuthorizationID string
	Code            string
	AccessToken     string
	TokenType       string
	ExpiresIn       int64
	IDToken         string
	GrantedScopes   []string
	State           string
	FragmentEncoded bool
}

// Authorize drives an authorization endpoint request through the
// requested flow: validate the client, redirect URI, response type and
// scopes, obtain consent, create the Authorization, then issue the
// code and/or front-channel tokens the response type calls for.
//
// Rejections are returned as *FlowError. Errors with NoRedirect set
// fire before the redirect URI is trusted and must be answered
// directly, never redirected.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, principal *identity.Principal) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, &FlowError{Code: ErrorCodeInvalidRequest, Description: "client_id is required", NoRedirect: true}
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", ErrorCodeInvalidClient)
		}
		return nil, &FlowError{Code: ErrorCodeInvalidClient, Description: "unknown client", NoRedirect: true}
	}

	if ferr := s.validateRedirectURI(client, req.RedirectURI); ferr != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: req.ClientID,
				Details:  map[string]any{"redirect_uri": safeTruncate(req.RedirectURI, 100)},
			})
		}
		ferr.NoRedirect = true
		return nil, ferr
	}

	// From here on errors may be redirected back to the client.
	if ferr := s.validateResponseType(client, req.ResponseType); ferr != nil {
		return nil, ferr
	}

	requested, ferr := s.validateScopes(client, req.Scope)
	if ferr != nil {
		return nil, ferr
	}

	responseTypes := strings.Fields(req.ResponseType)
	wantCode := containsString(responseTypes, "code")
	wantToken := containsString(responseTypes, "token")
	wantIDToken := containsString(responseTypes, "id_token")

	if wantIDToken && !containsString(requested, "openid") {
		return nil, flowErrorf(ErrorCodeInvalidScope, "openid scope is required to request an ID token")
	}
	if wantIDToken && req.Nonce == "" {
		return nil, flowErrorf(ErrorCodeInvalidRequest, "nonce is required when requesting an ID token from the authorization endpoint")
	}

	if principal == nil {
		return nil, flowErrorf(ErrorCodeAccessDenied, "authentication required")
	}

	decision, err := s.Consent.Consent(ctx, principal, client.ClientID, requested)
	if err != nil {
		return nil, flowErrorf(ErrorCodeServerError, "consent check failed")
	}
	if decision == nil || !decision.Granted {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(principal.Subject, client.ClientID, "", ErrorCodeAccessDenied)
		}
		return nil, flowErrorf(ErrorCodeAccessDenied, "resource owner denied the request")
	}
	if !scopesSubset(decision.GrantedScopes, requested) {
		// A consent provider may narrow the grant but never widen it
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				Subject:  principal.Subject,
				ClientID: client.ClientID,
			})
		}
		return nil, flowErrorf(ErrorCodeInvalidScope, "granted scopes exceed the requested set")
	}

	authz := &storage.Authorization{
		ID:            uuid.NewString(),
		Subject:       principal.Subject,
		ClientID:      client.ClientID,
		GrantedScopes: decision.GrantedScopes,
		Status:        storage.AuthorizationValid,
		CreatedAt:     time.Now(),
	}
	if err := s.authorizations.SaveAuthorization(ctx, authz); err != nil {
		s.Logger.Error("Failed to save authorization", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to persist authorization")
	}

	result := &AuthorizeResult{
		AuthorizationID: authz.ID,
		GrantedScopes:   authz.GrantedScopes,
		State:           req.State,
		FragmentEncoded: wantToken || wantIDToken,
	}

	if wantCode {
		code, _, err := s.issuer.IssueAuthorizationCode(ctx, authz, req.RedirectURI, req.Nonce)
		if err != nil {
			return nil, s.abortIssuance(ctx, authz, err)
		}
		result.Code = code
		if m := s.metrics(); m != nil {
			m.RecordTokenIssued(ctx, string(storage.KindAuthorizationCode))
		}
	}
	if wantToken {
		accessToken, _, err := s.issuer.IssueAccessToken(ctx, authz)
		if err != nil {
			return nil, s.abortIssuance(ctx, authz, err)
		}
		result.AccessToken = accessToken
		result.TokenType = "Bearer"
		result.ExpiresIn = int64(s.Config.AccessTokenTTL.Seconds())
		if m := s.metrics(); m != nil {
			m.RecordTokenIssued(ctx, string(storage.KindAccess))
		}
	}
	if wantIDToken {
		idToken, _, err := s.issuer.IssueIDToken(ctx, authz, principal, req.Nonce)
		if err != nil {
			return nil, s.abortIssuance(ctx, authz, err)
		}
		result.IDToken = idToken
		if m := s.metrics(); m != nil {
			m.RecordTokenIssued(ctx, string(storage.KindID))
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authz.Subject, authz.ClientID, "",
			strings.Join(authz.GrantedScopes, " "), req.ResponseType)
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationRequest(ctx, authz.ClientID, req.ResponseType)
	}
	s.Logger.Debug("Authorization granted",
		"authorization_id", authz.ID,
		"client_id", authz.ClientID,
		"response_type", req.ResponseType)

	return result, nil
}

// abortIssuance rolls back a partially issued authorization. The
// authorization and any tokens already persisted under it are revoked
// so a failed request never leaves redeemable credentials behind.
func (s *Server) abortIssuance(ctx context.Context, authz *storage.Authorization, cause error) error {
	s.Logger.Error("Token issuance failed, revoking authorization",
		"authorization_id", authz.ID, "error", cause)
	if err := s.authorizations.RevokeAuthorization(ctx, authz.ID); err != nil {
		s.Logger.Error("Failed to revoke authorization after issuance failure",
			"authorization_id", authz.ID, "error", err)
	}
	return flowErrorf(ErrorCodeServerError, "token issuance failed")
}
