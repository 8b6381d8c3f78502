package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/token"
)

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise returns the first maxLen characters.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Config holds the flow engine's policy surface: the registry of
// supported scopes and flows plus the issuance parameters the engine
// reports to clients. All values are declarative inputs.
type Config struct {
	// Issuer is the server's issuer identifier URL.
	Issuer string

	// SupportedScopes is the registry of scopes this server issues.
	// Requested scopes outside this set are rejected regardless of the
	// client's registration.
	SupportedScopes []string

	// AllowedResponseTypes enumerates the enabled authorization
	// endpoint flows, e.g. "code", "token", "code id_token".
	AllowedResponseTypes []string

	// AllowedGrantTypes enumerates the enabled token endpoint grants.
	AllowedGrantTypes []string

	// AccessTokenTTL is reported as expires_in on token responses. It
	// must match the issuer's access token TTL.
	AccessTokenTTL time.Duration

	// RotateRefreshTokens mirrors the issuer's rotation policy; when
	// set, every refresh grant returns a new refresh token.
	RotateRefreshTokens bool
}

// Server implements the authorization server's grant flows
// (transport-agnostic). It coordinates the client registry, the token
// issuer and the stores; the HTTP layer maps its results and FlowError
// rejections onto the wire.
type Server struct {
	clients        storage.ClientStore
	authorizations storage.AuthorizationStore
	tokens         storage.TokenStore
	issuer         *token.Issuer
	validator      *token.Validator

	// Identities resolves subjects to principals for ID token claims.
	// Optional; without it ID tokens carry only the standard claims.
	Identities identity.Source

	// Consent decides scope grants during authorization. Defaults to
	// identity.AutoConsent.
	Consent identity.ConsentProvider

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a flow engine. The stores, issuer, validator and config
// are required; identity collaborators and the auditor are optional
// fields set after construction.
func New(
	clients storage.ClientStore,
	authorizations storage.AuthorizationStore,
	tokens storage.TokenStore,
	issuer *token.Issuer,
	validator *token.Validator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if authorizations == nil {
		return nil, fmt.Errorf("authorization store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("token validator is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer identifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		clients:        clients,
		authorizations: authorizations,
		tokens:         tokens,
		issuer:         issuer,
		validator:      validator,
		Consent:        identity.AutoConsent{},
		Logger:         logger,
		Config:         config,
	}, nil
}

// SetInstrumentation enables metrics and tracing for the flow engine.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
