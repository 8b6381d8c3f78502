package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/prune"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/token"
)

// SessionResolver resolves the authenticated resource owner from an
// authorization endpoint request. The login/consent UI and its session
// mechanism live outside this module; this is their interface boundary.
// Returning a nil principal means no authenticated session.
type SessionResolver interface {
	Resolve(r *http.Request) (*identity.Principal, error)
}

// Server is the assembled OpenID Connect provider: key material, flow
// engine, validator and stores wired together from a Config. Create it
// with NewServer, serve it through a Handler, shut it down with Close.
type Server struct {
	Config *Config

	// Keys holds the process's ephemeral signing and encryption
	// keypairs. A restart rotates everything.
	Keys *keys.Manager

	// Flows is the grant flow engine.
	Flows *server.Server

	// Validator checks inbound bearer tokens.
	Validator *token.Validator

	// Sessions resolves the authenticated resource owner at the
	// authorization endpoint. Optional; without it every authorization
	// request is denied.
	Sessions SessionResolver

	// Identities resolves subjects to principals for ID token and
	// userinfo claims.
	Identities identity.Source

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	store       *memory.Store
	pruneRunner *prune.IntervalRunner
}

// NewServer assembles a provider from configuration: generates the
// process keys, seeds the client registry, and starts the pruning
// loop. Call Close to stop background work.
func NewServer(config *Config, identities identity.Source, consent identity.ConsentProvider) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config = applySecureDefaults(config, logger)

	km, err := keys.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	store := memory.New()
	store.SetLogger(logger)
	if err := seedClients(config, store); err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuer(token.Config{
		Issuer:               config.Issuer,
		AuthorizationCodeTTL: config.AuthorizationCodeTTL,
		AccessTokenTTL:       config.AccessTokenTTL,
		RefreshTokenTTL:      config.RefreshTokenTTL,
		IDTokenTTL:           config.IDTokenTTL,
		RotateRefreshTokens:  !config.DisableRefreshTokenRotation,
		EncryptIDTokens:      config.EncryptIDTokens,
	}, km, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	validator := token.NewValidator(config.Issuer, config.ClockSkewGracePeriod, km, store, store)

	flows, err := server.New(store, store, store, issuer, validator, &server.Config{
		Issuer:               config.Issuer,
		SupportedScopes:      config.SupportedScopes,
		AllowedResponseTypes: config.AllowedResponseTypes,
		AllowedGrantTypes:    config.AllowedGrantTypes,
		AccessTokenTTL:       config.AccessTokenTTL,
		RotateRefreshTokens:  !config.DisableRefreshTokenRotation,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow engine: %w", err)
	}
	flows.Identities = identities
	if consent != nil {
		flows.Consent = consent
	}

	s := &Server{
		Config:     config,
		Keys:       km,
		Flows:      flows,
		Validator:  validator,
		Identities: identities,
		Logger:     logger,
		store:      store,
	}

	if config.EnableAuditLogging {
		s.Auditor = security.NewAuditor(logger, true)
		flows.Auditor = s.Auditor
	}
	if config.RateLimit.Rate > 0 {
		s.RateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	pruner := prune.New(store, config.PruneBatchSize, logger)
	s.pruneRunner = prune.NewIntervalRunner(pruner, config.PruneInterval, logger)
	s.pruneRunner.Start()

	return s, nil
}

// SetInstrumentation wires metrics and tracing through the provider's
// components. Call before serving traffic.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.store.SetInstrumentation(inst)
	s.Flows.SetInstrumentation(inst)
}

// Close stops the pruning loop and the rate limiter's housekeeping.
func (s *Server) Close() {
	s.pruneRunner.Stop()
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}

// ClientStore exposes the client registry, e.g. for administrative
// inspection.
func (s *Server) ClientStore() storage.ClientStore {
	return s.store
}

// seedClients loads the configured clients into the registry.
func seedClients(config *Config, store *memory.Store) error {
	seen := make(map[string]bool, len(config.Clients))
	for _, cc := range config.Clients {
		if cc.ID == "" {
			return fmt.Errorf("client with empty ID in configuration")
		}
		if seen[cc.ID] {
			return fmt.Errorf("duplicate client ID %q in configuration", cc.ID)
		}
		seen[cc.ID] = true

		if len(cc.RedirectURIs) == 0 {
			return fmt.Errorf("client %q has no redirect URIs", cc.ID)
		}
		if !cc.Public && cc.SecretHash == "" {
			return fmt.Errorf("confidential client %q has no secret hash", cc.ID)
		}

		client := &storage.Client{
			ClientID:         cc.ID,
			ClientSecretHash: cc.SecretHash,
			ClientType:       "confidential",
			ClientName:       cc.Name,
			RedirectURIs:     cc.RedirectURIs,
			Scopes:           cc.Scopes,
			GrantTypes:       cc.GrantTypes,
			ResponseTypes:    cc.ResponseTypes,
			CreatedAt:        time.Now(),
		}
		client.TokenEndpointAuthMethod = "client_secret_basic"
		if cc.Public {
			client.ClientType = "public"
			client.TokenEndpointAuthMethod = "none"
			client.ClientSecretHash = ""
		}
		if len(client.Scopes) == 0 {
			client.Scopes = config.SupportedScopes
		}
		if len(client.GrantTypes) == 0 {
			client.GrantTypes = config.AllowedGrantTypes
		}
		if len(client.ResponseTypes) == 0 {
			client.ResponseTypes = []string{"code"}
		}

		if err := store.SaveClient(context.Background(), client); err != nil {
			return fmt.Errorf("failed to seed client %q: %w", cc.ID, err)
		}
	}
	return nil
}
