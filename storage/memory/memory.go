// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when
	// logging token IDs. Enough uniqueness for debugging while keeping
	// credentials out of logs.
	tokenIDLogLength = 8

	// defaultAuthorizationIdleGrace is how long a valid authorization
	// with no token records is left alone before the pruner may take
	// it. It covers the window between creating an authorization and
	// persisting its first token.
	defaultAuthorizationIdleGrace = 10 * time.Minute
)

// Store is an in-memory implementation of all storage interfaces:
// ClientStore, AuthorizationStore, TokenStore, and PruneStore.
type Store struct {
	mu sync.RWMutex

	clients        map[string]*storage.Client
	authorizations map[string]*storage.Authorization
	tokens         map[string]*storage.TokenRecord

	// tokensByAuthorization indexes token IDs by owning authorization
	// for cascade revocation and prune reference checks.
	tokensByAuthorization map[string]map[string]struct{}

	authorizationIdleGrace time.Duration

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free reads during collection)
	tokensCountAtomic         atomic.Int64
	authorizationsCountAtomic atomic.Int64
	clientsCountAtomic        atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.AuthorizationStore = (*Store)(nil)
	_ storage.TokenStore         = (*Store)(nil)
	_ storage.PruneStore         = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		clients:                make(map[string]*storage.Client),
		authorizations:         make(map[string]*storage.Authorization),
		tokens:                 make(map[string]*storage.TokenRecord),
		tokensByAuthorization:  make(map[string]map[string]struct{}),
		authorizationIdleGrace: defaultAuthorizationIdleGrace,
		logger:                 slog.Default(),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetAuthorizationIdleGrace sets how long a tokenless valid
// authorization is protected from pruning.
func (s *Store) SetAuthorizationIdleGrace(d time.Duration) {
	s.mu.Lock()
	s.authorizationIdleGrace = d
	s.mu.Unlock()
}

// SetInstrumentation enables tracing and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.authorizationsCountAtomic.Store(int64(len(s.authorizations)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.authorizationsCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	c := *client
	s.clients[client.ClientID] = &c
	if !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret. It always performs
// a bcrypt comparison, against a dummy hash when the client is unknown,
// so response timing does not reveal client existence.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// bcrypt hash of "test", compared when no real hash applies
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false
	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	return clients, nil
}

// ============================================================
// AuthorizationStore Implementation
// ============================================================

// SaveAuthorization saves a new authorization.
func (s *Store) SaveAuthorization(ctx context.Context, auth *storage.Authorization) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization", err, startTime) }()

	if auth == nil || auth.ID == "" {
		err = fmt.Errorf("authorization ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authorizations[auth.ID]
	a := *auth
	s.authorizations[auth.ID] = &a
	if !existed {
		s.authorizationsCountAtomic.Add(1)
	}
	s.logger.Debug("Saved authorization", "authorization_id", auth.ID, "client_id", auth.ClientID)
	return nil
}

// GetAuthorization retrieves an authorization by ID.
func (s *Store) GetAuthorization(_ context.Context, id string) (*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return nil, storage.ErrAuthorizationNotFound
	}
	a := *auth
	return &a, nil
}

// RevokeAuthorization marks an authorization as revoked and cascades
// to its active tokens. Idempotent.
func (s *Store) RevokeAuthorization(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_authorization", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.authorizations[id]
	if !ok {
		err = storage.ErrAuthorizationNotFound
		return err
	}
	if auth.Status == storage.AuthorizationRevoked {
		return nil
	}
	auth.Status = storage.AuthorizationRevoked
	revoked := s.revokeTokensLocked(id)
	s.logger.Debug("Revoked authorization", "authorization_id", id, "tokens_revoked", revoked)
	return nil
}

// RevokeAuthorizationsForSubject revokes every valid authorization held
// by the subject, optionally scoped to one client, cascading to their
// active tokens.
func (s *Store) RevokeAuthorizationsForSubject(_ context.Context, subject, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, auth := range s.authorizations {
		if auth.Subject != subject || auth.Status != storage.AuthorizationValid {
			continue
		}
		if clientID != "" && auth.ClientID != clientID {
			continue
		}
		auth.Status = storage.AuthorizationRevoked
		s.revokeTokensLocked(auth.ID)
		revoked++
	}
	if revoked > 0 {
		s.logger.Debug("Revoked authorizations for subject", "count", revoked)
	}
	return revoked, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record.
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, startTime) }()

	if record == nil || record.ID == "" {
		err = fmt.Errorf("token ID cannot be empty")
		return err
	}
	if record.AuthorizationID == "" {
		err = fmt.Errorf("token must reference an authorization")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorizations[record.AuthorizationID]; !ok {
		err = storage.ErrAuthorizationNotFound
		return err
	}

	_, existed := s.tokens[record.ID]
	r := *record
	s.tokens[record.ID] = &r

	index, ok := s.tokensByAuthorization[record.AuthorizationID]
	if !ok {
		index = make(map[string]struct{})
		s.tokensByAuthorization[record.AuthorizationID] = index
	}
	index[record.ID] = struct{}{}

	if !existed {
		s.tokensCountAtomic.Add(1)
	}
	s.logger.Debug("Saved token record",
		"token_prefix", safeTruncate(record.ID, tokenIDLogLength),
		"kind", record.Kind)
	return nil
}

// GetToken retrieves a token record by ID.
func (s *Store) GetToken(_ context.Context, id string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	r := *record
	return &r, nil
}

// AtomicConsumeToken atomically checks that a token is active and, for
// single-use records, flips it to consumed. The write lock spans the
// whole check-and-set, so of two concurrent redemptions exactly one
// sees the active record.
func (s *Store) AtomicConsumeToken(ctx context.Context, id string) (*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "atomic_consume_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[id]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, record.Kind)
		return nil, err
	}

	switch record.Status {
	case storage.StatusConsumed:
		// SECURITY: reuse detected. Return the record so the caller can
		// cascade-revoke the owning authorization.
		r := *record
		err = storage.ErrTokenConsumed
		return &r, err
	case storage.StatusRevoked:
		r := *record
		err = storage.ErrTokenRevoked
		return &r, err
	}

	// Snapshot before the flip: an active result means this redemption
	// won the race.
	r := *record
	if record.SingleUse {
		record.Status = storage.StatusConsumed
		s.logger.Debug("Consumed token",
			"token_prefix", safeTruncate(id, tokenIDLogLength),
			"kind", record.Kind)
	}
	return &r, nil
}

// RevokeTokensForAuthorization flips every active token under the
// authorization to revoked.
func (s *Store) RevokeTokensForAuthorization(ctx context.Context, authorizationID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_tokens_for_authorization", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeTokensLocked(authorizationID)
	if revoked > 0 {
		s.logger.Debug("Revoked tokens for authorization",
			"authorization_id", authorizationID, "count", revoked)
	}
	return revoked, nil
}

// revokeTokensLocked flips every active token under the authorization
// to revoked. Caller holds the write lock.
func (s *Store) revokeTokensLocked(authorizationID string) int {
	revoked := 0
	for id := range s.tokensByAuthorization[authorizationID] {
		record, ok := s.tokens[id]
		if !ok || record.Status != storage.StatusActive {
			continue
		}
		record.Status = storage.StatusRevoked
		revoked++
	}
	return revoked
}

// DeleteToken removes a token record.
func (s *Store) DeleteToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteTokenLocked(id)
	return nil
}

// deleteTokenLocked removes a record and its index entry. Caller holds
// the write lock.
func (s *Store) deleteTokenLocked(id string) bool {
	record, ok := s.tokens[id]
	if !ok {
		return false
	}
	delete(s.tokens, id)
	if index, ok := s.tokensByAuthorization[record.AuthorizationID]; ok {
		delete(index, id)
		if len(index) == 0 {
			delete(s.tokensByAuthorization, record.AuthorizationID)
		}
	}
	s.tokensCountAtomic.Add(-1)
	return true
}

// ============================================================
// PruneStore Implementation
// ============================================================

// ExpiredTokens returns up to limit IDs of expired token records.
func (s *Store) ExpiredTokens(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, record := range s.tokens {
		if len(ids) >= limit {
			break
		}
		if now.After(record.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteTokenIfExpired deletes a token record only if it is still
// expired at delete time, guarding against an ID being reissued
// between selection and deletion.
func (s *Store) DeleteTokenIfExpired(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[id]
	if !ok {
		return false, nil
	}
	if !now.After(record.ExpiresAt) {
		return false, nil
	}
	return s.deleteTokenLocked(id), nil
}

// PrunableAuthorizations returns up to limit IDs of authorizations that
// own no live token: revoked ones immediately, valid ones only after
// the idle grace period, which protects an authorization whose first
// token is still being issued.
func (s *Store) PrunableAuthorizations(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, auth := range s.authorizations {
		if len(ids) >= limit {
			break
		}
		if !s.authorizationPrunableLocked(auth, now) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteAuthorizationIfUnreferenced deletes an authorization and its
// remaining token records only if it still owns no live token at
// delete time.
func (s *Store) DeleteAuthorizationIfUnreferenced(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return false, nil
	}
	if !s.authorizationPrunableLocked(auth, now) {
		return false, nil
	}

	for tokenID := range s.tokensByAuthorization[id] {
		s.deleteTokenLocked(tokenID)
	}
	delete(s.authorizations, id)
	s.authorizationsCountAtomic.Add(-1)
	s.logger.Debug("Pruned authorization", "authorization_id", id)
	return true, nil
}

// authorizationPrunableLocked reports whether the authorization owns no
// unexpired, unrevoked token and is otherwise safe to delete. Caller
// holds at least a read lock.
func (s *Store) authorizationPrunableLocked(auth *storage.Authorization, now time.Time) bool {
	for tokenID := range s.tokensByAuthorization[auth.ID] {
		record, ok := s.tokens[tokenID]
		if !ok {
			continue
		}
		if record.Status != storage.StatusActive {
			continue
		}
		if now.After(record.ExpiresAt) {
			continue
		}
		// Live token: the authorization must stay
		return false
	}

	if auth.Status == storage.AuthorizationRevoked {
		return true
	}
	return now.Sub(auth.CreatedAt) > s.authorizationIdleGrace
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(attribute.String("operation", operation)))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
