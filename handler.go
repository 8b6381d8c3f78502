package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/token"
)

const tokenTypeBearer = "Bearer"

// Handler serves the provider's HTTP surface: discovery, JWKS, and the
// authorization, token, introspection, userinfo, revocation and
// end-session endpoints.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.Logger
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// Routes builds a mux with every endpoint mounted at its configured
// path, wrapped in the request-ID middleware.
func (h *Handler) Routes() http.Handler {
	endpoints := h.server.Config.Endpoints

	mux := http.NewServeMux()
	mux.HandleFunc(endpoints.Discovery, h.ServeDiscovery)
	mux.HandleFunc(endpoints.JWKS, h.ServeJWKS)
	mux.HandleFunc(endpoints.Authorization, h.ServeAuthorization)
	mux.HandleFunc(endpoints.Token, h.ServeToken)
	mux.HandleFunc(endpoints.Introspection, h.ServeIntrospection)
	mux.HandleFunc(endpoints.Userinfo, h.ServeUserinfo)
	mux.HandleFunc(endpoints.Revocation, h.ServeRevocation)
	mux.HandleFunc(endpoints.EndSession, h.ServeEndSession)

	return security.RequestIDMiddleware(mux)
}

// ============================================================
// Discovery and key set
// ============================================================

// ServeDiscovery serves the OpenID Connect discovery document. Every
// value comes from configuration.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	config := h.server.Config
	metadata := ProviderMetadata{
		Issuer:                           config.Issuer,
		AuthorizationEndpoint:            h.endpointURL(config.Endpoints.Authorization),
		TokenEndpoint:                    h.endpointURL(config.Endpoints.Token),
		UserinfoEndpoint:                 h.endpointURL(config.Endpoints.Userinfo),
		JWKSURI:                          h.endpointURL(config.Endpoints.JWKS),
		IntrospectionEndpoint:            h.endpointURL(config.Endpoints.Introspection),
		RevocationEndpoint:               h.endpointURL(config.Endpoints.Revocation),
		EndSessionEndpoint:               h.endpointURL(config.Endpoints.EndSession),
		ScopesSupported:                  config.SupportedScopes,
		ClaimsSupported:                  config.SupportedClaims,
		ResponseTypesSupported:           config.AllowedResponseTypes,
		GrantTypesSupported:              config.AllowedGrantTypes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{string(keys.SigningAlgorithm)},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
	}
	if config.EncryptIDTokens {
		metadata.IDTokenEncryptionAlgValuesSupported = []string{string(keys.EncryptionKeyAlgorithm)}
		metadata.IDTokenEncryptionEncValuesSupported = []string{string(keys.EncryptionContentAlgorithm)}
	}

	security.SetSecurityHeaders(w, config.Issuer)
	h.writeJSON(w, http.StatusOK, metadata)
	h.recordHTTPMetrics("discovery", r.Method, http.StatusOK, startTime)
}

// ServeJWKS serves the public key set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, h.server.Keys.PublicJWKS())
	h.recordHTTPMetrics("jwks", r.Method, http.StatusOK, startTime)
}

func (h *Handler) endpointURL(path string) string {
	return strings.TrimRight(h.server.Config.Issuer, "/") + path
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles the authorization endpoint over GET or
// POST form submission. Successful flows redirect back to the client
// with a code and/or tokens; rejections redirect with an OAuth error,
// except rejections raised before the redirect URI was validated,
// which answer directly.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	// r.Form merges the query with the POST body
	params := r.Form
	req := &server.AuthorizeRequest{
		ClientID:     params.Get("client_id"),
		RedirectURI:  params.Get("redirect_uri"),
		ResponseType: params.Get("response_type"),
		Scope:        params.Get("scope"),
		State:        params.Get("state"),
		Nonce:        params.Get("nonce"),
	}

	principal := h.resolvePrincipal(r)

	result, err := h.server.Flows.Authorize(r.Context(), req, principal)
	if err != nil {
		var ferr *server.FlowError
		if !errors.As(err, &ferr) {
			h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
			h.recordHTTPMetrics("authorize", r.Method, http.StatusInternalServerError, startTime)
			return
		}
		if ferr.NoRedirect {
			h.writeError(w, ferr.Code, ferr.Description, flowErrorStatus(ferr))
			h.recordHTTPMetrics("authorize", r.Method, flowErrorStatus(ferr), startTime)
			return
		}
		h.redirectError(w, r, req, ferr)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		return
	}

	location, err := buildAuthorizeRedirect(req.RedirectURI, result)
	if err != nil {
		h.logger.Error("Failed to build redirect", "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to build redirect", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, http.StatusFound)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
}

// resolvePrincipal asks the session collaborator for the authenticated
// resource owner. No resolver or no session means nil, which the flow
// engine rejects as access_denied.
func (h *Handler) resolvePrincipal(r *http.Request) *identity.Principal {
	if h.server.Sessions == nil {
		return nil
	}
	principal, err := h.server.Sessions.Resolve(r)
	if err != nil {
		h.logger.Warn("Session resolution failed", "error", err)
		return nil
	}
	return principal
}

// redirectError sends an OAuth error back to the validated redirect
// URI, fragment-encoded for flows that would have returned tokens in
// the fragment.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, req *server.AuthorizeRequest, ferr *server.FlowError) {
	params := url.Values{}
	params.Set("error", ferr.Code)
	if ferr.Description != "" {
		params.Set("error_description", ferr.Description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}

	location := req.RedirectURI
	if fragmentResponse(req.ResponseType) {
		location += "#" + params.Encode()
	} else {
		location += querySeparator(req.RedirectURI) + params.Encode()
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, http.StatusFound)
}

// buildAuthorizeRedirect encodes a successful authorization response
// into the redirect URI: query parameters for the code flow, the URI
// fragment for implicit and hybrid flows (front-channel tokens must
// not reach servers via query logs).
func buildAuthorizeRedirect(redirectURI string, result *server.AuthorizeResult) (string, error) {
	if _, err := url.Parse(redirectURI); err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	params := url.Values{}
	if result.Code != "" {
		params.Set("code", result.Code)
	}
	if result.AccessToken != "" {
		params.Set("access_token", result.AccessToken)
		params.Set("token_type", result.TokenType)
		params.Set("expires_in", strconv.FormatInt(result.ExpiresIn, 10))
	}
	if result.IDToken != "" {
		params.Set("id_token", result.IDToken)
	}
	if len(result.GrantedScopes) > 0 {
		params.Set("scope", strings.Join(result.GrantedScopes, " "))
	}
	if result.State != "" {
		params.Set("state", result.State)
	}

	if result.FragmentEncoded {
		return redirectURI + "#" + params.Encode(), nil
	}
	return redirectURI + querySeparator(redirectURI) + params.Encode(), nil
}

func fragmentResponse(responseType string) bool {
	types := strings.Fields(responseType)
	for _, t := range types {
		if t == "token" || t == "id_token" {
			return true
		}
	}
	return false
}

func querySeparator(redirectURI string) string {
	if strings.Contains(redirectURI, "?") {
		return "&"
	}
	return "?"
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the token endpoint, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		return
	}

	var grant *server.TokenGrant
	grantType := r.FormValue("grant_type")
	switch grantType {
	case "authorization_code":
		grant, err = h.server.Flows.Exchange(r.Context(),
			r.FormValue("code"), client.ClientID, r.FormValue("redirect_uri"))
	case "refresh_token":
		grant, err = h.server.Flows.Refresh(r.Context(),
			r.FormValue("refresh_token"), client.ClientID)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		return
	}

	if err != nil {
		status := h.writeFlowError(w, err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	h.writeTokenResponse(w, grant)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		Scope:        grant.Scope,
	})
}

// ============================================================
// Introspection endpoint
// ============================================================

// ServeIntrospection handles RFC 7662 token introspection. Requires
// client authentication; any unresolvable token yields active=false.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if _, err := h.authenticateClient(r, h.clientIP(r)); err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("introspect", r.Method, http.StatusUnauthorized, startTime)
		return
	}

	intro := h.server.Validator.Introspect(r.Context(), r.FormValue("token"))
	response := IntrospectionResponse{Active: intro.Active}
	if intro.Active {
		response.Scope = intro.Scope
		response.ClientID = intro.ClientID
		response.Subject = intro.Subject
		response.TokenType = introspectionTokenType(intro.Kind)
		response.ExpiresAt = intro.ExpiresAt.Unix()
		response.IssuedAt = intro.IssuedAt.Unix()
		response.Issuer = h.server.Config.Issuer
		response.TokenID = intro.TokenID
	}

	h.writeJSON(w, http.StatusOK, response)
	h.recordHTTPMetrics("introspect", r.Method, http.StatusOK, startTime)
}

func introspectionTokenType(kind storage.TokenKind) string {
	if kind == storage.KindRefresh {
		return "refresh_token"
	}
	return tokenTypeBearer
}

// ============================================================
// Userinfo endpoint
// ============================================================

// ServeUserinfo returns the claims the access token's granted scopes
// unlock, plus the subject.
func (h *Handler) ServeUserinfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	raw, ok := h.extractBearerToken(w, r)
	if !ok {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusUnauthorized, startTime)
		return
	}

	validation, err := h.server.Validator.ValidateAccessToken(r.Context(), raw)
	if err != nil {
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordValidationFailure(r.Context(), validationFailureReason(err))
		}
		h.writeUnauthorized(w, "The access token is invalid, expired, or revoked")
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusUnauthorized, startTime)
		return
	}

	var principal *identity.Principal
	if h.server.Identities != nil {
		principal, err = h.server.Identities.Lookup(r.Context(), validation.Subject)
		if err != nil && !errors.Is(err, identity.ErrPrincipalNotFound) {
			h.writeError(w, ErrorCodeServerError, "Failed to resolve subject", http.StatusInternalServerError)
			h.recordHTTPMetrics("userinfo", r.Method, http.StatusInternalServerError, startTime)
			return
		}
	}

	claims, err := token.ResolveClaims(principal, validation.Scopes)
	if err != nil {
		h.logger.Error("Failed to resolve claims", "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to resolve claims", http.StatusInternalServerError)
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusInternalServerError, startTime)
		return
	}
	claims["sub"] = validation.Subject

	h.writeJSON(w, http.StatusOK, claims)
	h.recordHTTPMetrics("userinfo", r.Method, http.StatusOK, startTime)
}

func validationFailureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrTokenExpired):
		return "expired"
	case errors.Is(err, storage.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, storage.ErrTokenConsumed):
		return "consumed"
	default:
		return "invalid"
	}
}

// ============================================================
// Revocation and end-session endpoints
// ============================================================

// ServeRevocation handles RFC 7009 token revocation. Unknown or
// foreign tokens still return 200 so the endpoint cannot be used to
// probe token existence.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, h.clientIP(r))
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("revoke", r.Method, http.StatusUnauthorized, startTime)
		return
	}

	if err := h.server.Flows.RevokeToken(r.Context(), r.FormValue("token"), client.ClientID); err != nil {
		status := h.writeFlowError(w, err)
		h.recordHTTPMetrics("revoke", r.Method, status, startTime)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)
}

// ServeEndSession terminates the session the id_token_hint belongs to,
// revoking its authorizations and cascading to their tokens.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	hint := r.URL.Query().Get("id_token_hint")
	if hint == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			hint = r.FormValue("id_token_hint")
		}
	}

	if _, err := h.server.Flows.EndSession(r.Context(), hint); err != nil {
		status := h.writeFlowError(w, err)
		h.recordHTTPMetrics("endsession", r.Method, status, startTime)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.recordHTTPMetrics("endsession", r.Method, http.StatusNoContent, startTime)
}

// ============================================================
// Client authentication
// ============================================================

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// authenticateClient authenticates the requesting client via HTTP
// Basic auth or form parameters. Public clients authenticate by
// identifier alone; confidential clients must present their secret,
// checked in constant time against the stored bcrypt hash.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	clientID, clientSecret := h.parseBasicAuth(r)
	if clientID == "" {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.ClientStore().GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.TokenEndpointAuthMethod == "none" {
		return client, nil
	}
	if err := h.server.ClientStore().ValidateClientSecret(r.Context(), clientID, clientSecret); err != nil {
		h.logAuthFailure(clientID, clientIP, "invalid_client_secret")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

func (h *Handler) logAuthFailure(clientID, clientIP, reason string) {
	h.logger.Warn("Client authentication failed",
		"client_id", clientID, "reason", reason)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// ============================================================
// Rate limiting and shared response helpers
// ============================================================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkRateLimit reports whether the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, r.FormValue("client_id"))
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorized(w, "Missing Authorization header")
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		h.writeUnauthorized(w, "Authorization header must use the Bearer scheme")
		return "", false
	}
	return parts[1], true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`%s error="%s", error_description="%s"`, tokenTypeBearer, ErrorCodeInvalidToken, description))
	h.writeError(w, ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

// writeOAuthError writes an *OAuthError with its embedded status.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *OAuthError
	if errors.As(err, &oerr) {
		if oerr.Status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="oidc-provider"`)
		}
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "Internal error", http.StatusInternalServerError)
}

// writeFlowError maps a flow engine rejection onto the wire and
// returns the HTTP status used.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error) int {
	var ferr *server.FlowError
	if !errors.As(err, &ferr) {
		h.writeError(w, ErrorCodeServerError, "Internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	status := flowErrorStatus(ferr)
	h.writeError(w, ferr.Code, ferr.Description, status)
	return status
}

func flowErrorStatus(ferr *server.FlowError) int {
	switch ferr.Code {
	case server.ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case server.ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
