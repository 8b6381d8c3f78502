package server

import (
	"strings"

	"github.com/giantswarm/oidc-provider/storage"
)

// validateRedirectURI checks the requested redirect URI against the
// client's registered set. Matching is exact string comparison: no
// prefix, wildcard or loopback-port allowances. A request without a
// redirect URI is rejected even for clients with a single registration.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) *FlowError {
	if redirectURI == "" {
		return flowErrorf(ErrorCodeInvalidRedirectURI, "redirect_uri is required")
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return flowErrorf(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client")
}

// validateResponseType checks the response type against the server's
// enabled flows and the client's registration.
func (s *Server) validateResponseType(client *storage.Client, responseType string) *FlowError {
	if responseType == "" {
		return flowErrorf(ErrorCodeInvalidRequest, "response_type is required")
	}
	if !containsString(s.Config.AllowedResponseTypes, responseType) {
		return flowErrorf(ErrorCodeUnsupportedResponseType, "response_type %q is not supported", responseType)
	}
	if !containsString(client.ResponseTypes, responseType) {
		return flowErrorf(ErrorCodeUnauthorizedClient, "client is not permitted to use response_type %q", responseType)
	}
	return nil
}

// validateGrantType checks the grant type against the server's enabled
// grants and the client's registration.
func (s *Server) validateGrantType(client *storage.Client, grantType string) *FlowError {
	if !containsString(s.Config.AllowedGrantTypes, grantType) {
		return flowErrorf(ErrorCodeUnsupportedGrantType, "grant_type %q is not supported", grantType)
	}
	if !containsString(client.GrantTypes, grantType) {
		return flowErrorf(ErrorCodeUnauthorizedClient, "client is not permitted to use grant_type %q", grantType)
	}
	return nil
}

// validateScopes parses a space-delimited scope parameter and checks
// every entry against both the server registry and the client's allowed
// set. Returns the parsed scope list.
func (s *Server) validateScopes(client *storage.Client, scope string) ([]string, *FlowError) {
	scopes := strings.Fields(scope)
	for _, sc := range scopes {
		if !containsString(s.Config.SupportedScopes, sc) {
			return nil, flowErrorf(ErrorCodeInvalidScope, "scope %q is not supported", sc)
		}
		if !containsString(client.Scopes, sc) {
			return nil, flowErrorf(ErrorCodeInvalidScope, "scope %q is not allowed for this client", sc)
		}
	}
	return scopes, nil
}

// scopesSubset reports whether every scope in granted was requested.
func scopesSubset(granted, requested []string) bool {
	for _, g := range granted {
		if !containsString(requested, g) {
			return false
		}
	}
	return true
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
