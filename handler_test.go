package oidc

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/internal/testutil"
)

const (
	testIssuer      = "https://auth.example.com"
	testClientID    = "web-app"
	testSecret      = "s3cret-value"
	testPublicID    = "native-app"
	testRedirectURI = "https://app.example.com/callback"
	testSubject     = "user-1"
)

// staticSession resolves every request to the same principal.
type staticSession struct {
	principal *identity.Principal
}

func (s staticSession) Resolve(_ *http.Request) (*identity.Principal, error) {
	return s.principal, nil
}

func newTestProvider(t *testing.T, mutate func(*Config)) (*Server, http.Handler) {
	t.Helper()

	config := &Config{
		Issuer: testIssuer,
		Clients: []ClientConfig{
			{
				ID:            testClientID,
				SecretHash:    testutil.BcryptHash(t, testSecret),
				RedirectURIs:  []string{testRedirectURI},
				ResponseTypes: []string{"code", "token", "id_token token", "code id_token"},
				Name:          "Test Web App",
			},
			{
				ID:           testPublicID,
				Public:       true,
				RedirectURIs: []string{"https://native.example.com/callback"},
				Name:         "Test Native App",
			},
		},
	}
	if mutate != nil {
		mutate(config)
	}

	identities := identity.StaticSource{
		testSubject: {
			Subject: testSubject,
			Claims: map[string]any{
				"name":  "Test User",
				"email": "user@example.com",
			},
		},
	}

	srv, err := NewServer(config, identities, identity.AutoConsent{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	srv.Sessions = staticSession{principal: identities[testSubject]}

	return srv, NewHandler(srv, nil).Routes()
}

// authorizeCode runs the authorization endpoint and returns the issued
// code.
func authorizeCode(t *testing.T, mux http.Handler) string {
	t.Helper()

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile email")
	params.Set("state", "state-1")
	params.Set("nonce", "nonce-1")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", location)
	}
	return code
}

// exchangeCode redeems a code at the token endpoint with Basic auth.
func exchangeCode(t *testing.T, mux http.Handler, code string) *TokenResponse {
	t.Helper()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var tokens TokenResponse
	testutil.DecodeJSON(t, rec, &tokens)
	return &tokens
}

// ============================================================
// Discovery and JWKS
// ============================================================

func TestServeDiscovery(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var metadata ProviderMetadata
	testutil.DecodeJSON(t, rec, &metadata)

	if metadata.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", metadata.Issuer, testIssuer)
	}
	if metadata.AuthorizationEndpoint != testIssuer+"/authorize" {
		t.Errorf("authorization_endpoint = %q", metadata.AuthorizationEndpoint)
	}
	if metadata.TokenEndpoint != testIssuer+"/token" {
		t.Errorf("token_endpoint = %q", metadata.TokenEndpoint)
	}
	if metadata.JWKSURI != testIssuer+"/jwks" {
		t.Errorf("jwks_uri = %q", metadata.JWKSURI)
	}
	if metadata.EndSessionEndpoint != testIssuer+"/endsession" {
		t.Errorf("end_session_endpoint = %q", metadata.EndSessionEndpoint)
	}
	if len(metadata.ScopesSupported) == 0 || len(metadata.ClaimsSupported) == 0 {
		t.Error("scopes_supported and claims_supported must be advertised")
	}
	if len(metadata.IDTokenSigningAlgValuesSupported) != 1 || metadata.IDTokenSigningAlgValuesSupported[0] != "ES256" {
		t.Errorf("id_token_signing_alg_values_supported = %v", metadata.IDTokenSigningAlgValuesSupported)
	}
	if len(metadata.IDTokenEncryptionAlgValuesSupported) != 0 {
		t.Error("encryption algs advertised without encryption enabled")
	}
	if len(metadata.SubjectTypesSupported) != 1 || metadata.SubjectTypesSupported[0] != "public" {
		t.Errorf("subject_types_supported = %v", metadata.SubjectTypesSupported)
	}
}

func TestServeDiscoveryAdvertisesEncryption(t *testing.T) {
	_, mux := newTestProvider(t, func(c *Config) {
		c.EncryptIDTokens = true
	})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var metadata ProviderMetadata
	testutil.DecodeJSON(t, rec, &metadata)
	if len(metadata.IDTokenEncryptionAlgValuesSupported) != 1 || metadata.IDTokenEncryptionAlgValuesSupported[0] != "RSA-OAEP-256" {
		t.Errorf("id_token_encryption_alg_values_supported = %v", metadata.IDTokenEncryptionAlgValuesSupported)
	}
	if len(metadata.IDTokenEncryptionEncValuesSupported) != 1 || metadata.IDTokenEncryptionEncValuesSupported[0] != "A128GCM" {
		t.Errorf("id_token_encryption_enc_values_supported = %v", metadata.IDTokenEncryptionEncValuesSupported)
	}
}

func TestServeJWKS(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/jwks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set jose.JSONWebKeySet
	testutil.DecodeJSON(t, rec, &set)
	if len(set.Keys) == 0 {
		t.Fatal("empty key set")
	}
	for _, key := range set.Keys {
		if !key.IsPublic() {
			t.Errorf("key %q is not public", key.KeyID)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/.well-known/openid-configuration"},
		{http.MethodPost, "/jwks"},
		{http.MethodDelete, "/authorize"},
		{http.MethodGet, "/token"},
		{http.MethodGet, "/introspect"},
		{http.MethodGet, "/revoke"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}

// ============================================================
// Authorization endpoint
// ============================================================

func TestAuthorizeEndpointCodeFlow(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile")
	params.Set("state", "xyz")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if !strings.HasPrefix(location.String(), testRedirectURI) {
		t.Fatalf("redirected to %q", location)
	}
	query := location.Query()
	if query.Get("code") == "" {
		t.Error("missing code")
	}
	if query.Get("state") != "xyz" {
		t.Errorf("state = %q", query.Get("state"))
	}
	if location.Fragment != "" {
		t.Errorf("code flow must not use the fragment, got %q", location.Fragment)
	}
}

func TestAuthorizeEndpointAcceptsPost(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("client_id", testClientID)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("response_type", "code")
	form.Set("scope", "openid")
	form.Set("state", "xyz")

	rec := testutil.PostForm(mux, "/authorize", form, "", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if location.Query().Get("code") == "" {
		t.Error("missing code")
	}
	if location.Query().Get("state") != "xyz" {
		t.Errorf("state = %q", location.Query().Get("state"))
	}
}

func TestAuthorizeEndpointImplicitFlow(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "id_token token")
	params.Set("scope", "openid")
	params.Set("state", "xyz")
	params.Set("nonce", "n-1")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if location.Fragment == "" {
		t.Fatal("implicit response must be fragment encoded")
	}
	fragment, err := url.ParseQuery(location.Fragment)
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	if fragment.Get("access_token") == "" || fragment.Get("id_token") == "" {
		t.Errorf("fragment missing tokens: %v", fragment)
	}
	if fragment.Get("token_type") != "Bearer" {
		t.Errorf("token_type = %q", fragment.Get("token_type"))
	}
	if fragment.Get("state") != "xyz" {
		t.Errorf("state = %q", fragment.Get("state"))
	}
	if location.RawQuery != "" {
		t.Errorf("implicit response leaked into the query: %q", location.RawQuery)
	}
}

func TestAuthorizeEndpointPreRedirectErrors(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	tests := []struct {
		name       string
		params     url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing client_id",
			params:     url.Values{"redirect_uri": {testRedirectURI}, "response_type": {"code"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			params: url.Values{
				"client_id": {"nobody"}, "redirect_uri": {testRedirectURI}, "response_type": {"code"},
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect URI",
			params: url.Values{
				"client_id": {testClientID}, "redirect_uri": {"https://evil.example.com/cb"}, "response_type": {"code"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRedirectURI,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorize?"+tc.params.Encode(), nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if loc := rec.Header().Get("Location"); loc != "" {
				t.Fatalf("rejection must not redirect, got Location %q", loc)
			}
			var errResp ErrorResponse
			testutil.DecodeJSON(t, rec, &errResp)
			if errResp.Error != tc.wantCode {
				t.Errorf("error = %q, want %q", errResp.Error, tc.wantCode)
			}
		})
	}
}

func TestAuthorizeEndpointRedirectsErrors(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid not-a-scope")
	params.Set("state", "xyz")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	query := location.Query()
	if query.Get("error") != ErrorCodeInvalidScope {
		t.Errorf("error = %q, want %q", query.Get("error"), ErrorCodeInvalidScope)
	}
	if query.Get("state") != "xyz" {
		t.Errorf("state = %q", query.Get("state"))
	}
}

func TestAuthorizeEndpointFragmentEncodesImplicitErrors(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "id_token token")
	params.Set("scope", "profile") // no openid
	params.Set("nonce", "n-1")
	params.Set("state", "xyz")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	fragment, err := url.ParseQuery(location.Fragment)
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	if fragment.Get("error") != ErrorCodeInvalidScope {
		t.Errorf("fragment error = %q, want %q", fragment.Get("error"), ErrorCodeInvalidScope)
	}
	if fragment.Get("state") != "xyz" {
		t.Errorf("fragment state = %q", fragment.Get("state"))
	}
}

func TestAuthorizeEndpointNoSession(t *testing.T) {
	srv, mux := newTestProvider(t, nil)
	srv.Sessions = nil

	params := url.Values{}
	params.Set("client_id", testClientID)
	params.Set("redirect_uri", testRedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location, _ := url.Parse(rec.Header().Get("Location"))
	if got := location.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", got, ErrorCodeAccessDenied)
	}
}

// ============================================================
// Token endpoint
// ============================================================

func TestTokenEndpointCodeExchange(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	code := authorizeCode(t, mux)
	tokens := exchangeCode(t, mux, code)

	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.IDToken == "" {
		t.Fatalf("incomplete grant: %+v", tokens)
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("token_type = %q", tokens.TokenType)
	}
	if tokens.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", tokens.ExpiresIn)
	}
	if tokens.Scope != "openid profile email" {
		t.Errorf("scope = %q", tokens.Scope)
	}
}

func TestTokenEndpointCodeReplay(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	code := authorizeCode(t, mux)
	exchangeCode(t, mux, code)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	rec := testutil.PostForm(mux, "/token", form, testClientID, testSecret)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	testutil.DecodeJSON(t, rec, &errResp)
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", errResp.Error, ErrorCodeInvalidGrant)
	}
}

func TestTokenEndpointRefresh(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tokens.RefreshToken)
	rec := testutil.PostForm(mux, "/token", form, testClientID, testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	var refreshed TokenResponse
	testutil.DecodeJSON(t, rec, &refreshed)
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if refreshed.AccessToken == "" {
		t.Error("missing access token")
	}

	// The consumed refresh token is dead
	rec = testutil.PostForm(mux, "/token", form, testClientID, testSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reused refresh status = %d, want 400", rec.Code)
	}
}

func TestTokenEndpointClientAuth(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "whatever")
	form.Set("redirect_uri", testRedirectURI)

	t.Run("wrong secret", func(t *testing.T) {
		rec := testutil.PostForm(mux, "/token", form, testClientID, "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate header")
		}
		var errResp ErrorResponse
		testutil.DecodeJSON(t, rec, &errResp)
		if errResp.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %q", errResp.Error)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		rec := testutil.PostForm(mux, "/token", form, "nobody", "pw")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing client_id", func(t *testing.T) {
		rec := testutil.PostForm(mux, "/token", form, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("form credentials accepted", func(t *testing.T) {
		withCreds := url.Values{}
		withCreds.Set("grant_type", "refresh_token")
		withCreds.Set("refresh_token", "unknown")
		withCreds.Set("client_id", testClientID)
		withCreds.Set("client_secret", testSecret)
		rec := testutil.PostForm(mux, "/token", withCreds, "", "")
		// Authentication passed, the grant itself is invalid
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var errResp ErrorResponse
		testutil.DecodeJSON(t, rec, &errResp)
		if errResp.Error != ErrorCodeInvalidGrant {
			t.Errorf("error = %q, want %q", errResp.Error, ErrorCodeInvalidGrant)
		}
	})

	t.Run("public client needs no secret", func(t *testing.T) {
		withID := url.Values{}
		withID.Set("grant_type", "refresh_token")
		withID.Set("refresh_token", "unknown")
		withID.Set("client_id", testPublicID)
		rec := testutil.PostForm(mux, "/token", withID, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400 (authenticated, bad grant)", rec.Code)
		}
		var errResp ErrorResponse
		testutil.DecodeJSON(t, rec, &errResp)
		if errResp.Error != ErrorCodeInvalidGrant {
			t.Errorf("error = %q, want %q", errResp.Error, ErrorCodeInvalidGrant)
		}
	})
}

func TestTokenEndpointUnsupportedGrantType(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	rec := testutil.PostForm(mux, "/token", form, testClientID, testSecret)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	testutil.DecodeJSON(t, rec, &errResp)
	if errResp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestTokenEndpointRateLimit(t *testing.T) {
	_, mux := newTestProvider(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Rate: 1, Burst: 1}
	})

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", "unknown")

	first := testutil.PostForm(mux, "/token", form, testClientID, testSecret)
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("first request must pass the limiter")
	}

	second := testutil.PostForm(mux, "/token", form, testClientID, testSecret)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	var errResp ErrorResponse
	testutil.DecodeJSON(t, second, &errResp)
	if errResp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q", errResp.Error)
	}
}

// ============================================================
// Introspection endpoint
// ============================================================

func TestIntrospectionEndpoint(t *testing.T) {
	_, mux := newTestProvider(t, nil)
	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	form := url.Values{}
	form.Set("token", tokens.AccessToken)
	rec := testutil.PostForm(mux, "/introspect", form, testClientID, testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var intro IntrospectionResponse
	testutil.DecodeJSON(t, rec, &intro)
	if !intro.Active {
		t.Fatal("token should be active")
	}
	if intro.Subject != testSubject {
		t.Errorf("sub = %q, want %q", intro.Subject, testSubject)
	}
	if intro.ClientID != testClientID {
		t.Errorf("client_id = %q", intro.ClientID)
	}
	if intro.TokenType != "Bearer" {
		t.Errorf("token_type = %q", intro.TokenType)
	}
	if intro.Issuer != testIssuer {
		t.Errorf("iss = %q", intro.Issuer)
	}
	if intro.ExpiresAt == 0 || intro.IssuedAt == 0 {
		t.Error("missing exp or iat")
	}
}

func TestIntrospectionEndpointRefreshToken(t *testing.T) {
	_, mux := newTestProvider(t, nil)
	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	form := url.Values{}
	form.Set("token", tokens.RefreshToken)
	rec := testutil.PostForm(mux, "/introspect", form, testClientID, testSecret)

	var intro IntrospectionResponse
	testutil.DecodeJSON(t, rec, &intro)
	if !intro.Active {
		t.Fatal("refresh token should be active")
	}
	if intro.TokenType != "refresh_token" {
		t.Errorf("token_type = %q, want refresh_token", intro.TokenType)
	}
}

func TestIntrospectionEndpointInactive(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("token", "garbage")
	rec := testutil.PostForm(mux, "/introspect", form, testClientID, testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for unknown tokens", rec.Code)
	}
	var intro IntrospectionResponse
	testutil.DecodeJSON(t, rec, &intro)
	if intro.Active {
		t.Error("unknown token reported active")
	}
	if intro.Subject != "" || intro.ClientID != "" {
		t.Error("inactive response must not leak token details")
	}
}

func TestIntrospectionEndpointRequiresAuth(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("token", "anything")
	rec := testutil.PostForm(mux, "/introspect", form, testClientID, "wrong")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// ============================================================
// Userinfo endpoint
// ============================================================

func TestUserinfoEndpoint(t *testing.T) {
	_, mux := newTestProvider(t, nil)
	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	rec := testutil.Get(mux, "/userinfo", tokens.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var claims map[string]any
	testutil.DecodeJSON(t, rec, &claims)
	if claims["sub"] != testSubject {
		t.Errorf("sub = %v, want %q", claims["sub"], testSubject)
	}
	if claims["name"] != "Test User" {
		t.Errorf("name = %v", claims["name"])
	}
	if claims["email"] != "user@example.com" {
		t.Errorf("email = %v", claims["email"])
	}
	if claims["email_verified"] != false {
		t.Errorf("email_verified = %v, want false", claims["email_verified"])
	}
}

func TestUserinfoEndpointRejectsBadCredentials(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

// ============================================================
// Revocation and end-session endpoints
// ============================================================

func TestRevocationEndpoint(t *testing.T) {
	_, mux := newTestProvider(t, nil)
	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	form := url.Values{}
	form.Set("token", tokens.RefreshToken)
	rec := testutil.PostForm(mux, "/revoke", form, testClientID, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// Revoking the refresh token kills the whole authorization
	urec := testutil.Get(mux, "/userinfo", tokens.AccessToken)
	if urec.Code != http.StatusUnauthorized {
		t.Fatalf("access token survived refresh revocation, status = %d", urec.Code)
	}
}

func TestRevocationEndpointIsOpaque(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("token", "never-issued")
	rec := testutil.PostForm(mux, "/revoke", form, testClientID, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown token revoke status = %d, want 200", rec.Code)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	_, mux := newTestProvider(t, nil)
	tokens := exchangeCode(t, mux, authorizeCode(t, mux))

	req := httptest.NewRequest(http.MethodGet, "/endsession?id_token_hint="+url.QueryEscape(tokens.IDToken), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("endsession status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The session's access token is dead
	urec := testutil.Get(mux, "/userinfo", tokens.AccessToken)
	if urec.Code != http.StatusUnauthorized {
		t.Fatalf("access token survived end-session, status = %d", urec.Code)
	}
}

func TestEndSessionEndpointBadHint(t *testing.T) {
	_, mux := newTestProvider(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/endsession?id_token_hint=garbage", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	testutil.DecodeJSON(t, rec, &errResp)
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q", errResp.Error)
	}
}
