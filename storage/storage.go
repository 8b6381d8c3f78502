// Package storage defines interfaces for persisting OAuth clients,
// authorizations, and token records. It supports various backend
// implementations including in-memory, Redis, and databases.
package storage

import (
	"context"
	"errors"
	"time"
)

// Typed errors returned by store implementations. Callers use errors.Is to
// distinguish not-found from consumed (reuse detection) and expired.
var (
	ErrClientNotFound        = errors.New("client not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrTokenNotFound         = errors.New("token not found")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenConsumed         = errors.New("token already consumed")
	ErrTokenRevoked          = errors.New("token revoked")
)

// TokenKind identifies what a token record represents.
type TokenKind string

// Token kinds.
const (
	KindAuthorizationCode TokenKind = "authorization_code"
	KindAccess            TokenKind = "access"
	KindRefresh           TokenKind = "refresh"
	KindID                TokenKind = "id_token"
)

// TokenStatus is the lifecycle state of a token record.
type TokenStatus string

// Token statuses. A token starts active and is flipped to consumed
// (single-use kinds) or revoked (cascade from its authorization).
const (
	StatusActive   TokenStatus = "active"
	StatusConsumed TokenStatus = "consumed"
	StatusRevoked  TokenStatus = "revoked"
)

// AuthorizationStatus is the lifecycle state of an authorization.
type AuthorizationStatus string

// Authorization statuses. A revoked authorization is never resurrected.
const (
	AuthorizationValid   AuthorizationStatus = "valid"
	AuthorizationRevoked AuthorizationStatus = "revoked"
)

// Client represents a registered OAuth client.
// Clients are immutable after registration.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// Authorization represents a standing grant of consent linking a subject,
// a client, and a granted scope set. It owns zero or more token records;
// revoking it invalidates every token under it immediately, regardless of
// the tokens' own expiry or signatures.
type Authorization struct {
	ID            string
	Subject       string
	ClientID      string
	GrantedScopes []string
	Status        AuthorizationStatus
	CreatedAt     time.Time
}

// HasScope reports whether the authorization granted the named scope.
func (a *Authorization) HasScope(scope string) bool {
	for _, s := range a.GrantedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenRecord is the store-side record of an issued token. For JWTs the ID
// is the jti claim; for opaque credentials (codes, refresh tokens) the ID is
// the credential itself.
type TokenRecord struct {
	ID              string
	Kind            TokenKind
	AuthorizationID string
	IssuedAt        time.Time
	ExpiresAt       time.Time

	// SingleUse marks codes and rotated refresh tokens: the record must be
	// atomically flipped active->consumed on first use.
	SingleUse bool
	Status    TokenStatus

	// RedirectURI and Nonce bind an authorization code to the request that
	// produced it. Empty for other kinds.
	RedirectURI string
	Nonce       string
}

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationStore defines the interface for managing authorizations.
// All methods accept context.Context for tracing and cancellation.
type AuthorizationStore interface {
	// SaveAuthorization saves a new authorization
	SaveAuthorization(ctx context.Context, auth *Authorization) error

	// GetAuthorization retrieves an authorization by ID
	GetAuthorization(ctx context.Context, id string) (*Authorization, error)

	// RevokeAuthorization marks an authorization as revoked and cascades
	// the revocation to its active tokens. Idempotent: revoking an already
	// revoked authorization is not an error. Revocation must be visible to
	// subsequent reads (the Validator depends on read-after-write
	// consistency for this field).
	RevokeAuthorization(ctx context.Context, id string) error

	// RevokeAuthorizationsForSubject revokes every valid authorization held
	// by a subject, optionally scoped to one client (empty clientID means
	// all clients), cascading to their active tokens. Used by end-session.
	// Returns the number of authorizations revoked.
	RevokeAuthorizationsForSubject(ctx context.Context, subject, clientID string) (int, error)
}

// TokenStore defines the interface for managing token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken persists a token record
	SaveToken(ctx context.Context, record *TokenRecord) error

	// GetToken retrieves a token record by ID
	GetToken(ctx context.Context, id string) (*TokenRecord, error)

	// AtomicConsumeToken atomically checks that a token is active and flips
	// it to consumed. Returns the record if successful, or an error if:
	// - Token not found
	// - Token expired
	// - Token already consumed (reuse detected); the record IS returned
	//   alongside ErrTokenConsumed so the caller can cascade-revoke the
	//   owning authorization.
	// SECURITY: This operation MUST be atomic (a single conditional update,
	// not a read-then-write) to close the race where two concurrent
	// exchanges of the same code could both succeed.
	AtomicConsumeToken(ctx context.Context, id string) (*TokenRecord, error)

	// RevokeTokensForAuthorization flips every active token under an
	// authorization to revoked. Returns the number revoked.
	RevokeTokensForAuthorization(ctx context.Context, authorizationID string) (int, error)

	// DeleteToken removes a token record
	DeleteToken(ctx context.Context, id string) error
}

// PruneStore is consumed by the pruning service. Deletes are conditional so
// that a concurrent issuance cannot be clobbered: a token is only deleted if
// still expired at delete time, and an authorization only if it owns no live
// token when the delete executes.
type PruneStore interface {
	// ExpiredTokens returns up to limit IDs of token records whose expiry
	// (plus the store's grace period) has passed.
	ExpiredTokens(ctx context.Context, now time.Time, limit int) ([]string, error)

	// DeleteTokenIfExpired deletes a token record only if it is still
	// expired. Reports whether a delete happened.
	DeleteTokenIfExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// PrunableAuthorizations returns up to limit IDs of authorizations that
	// are revoked or expired and own no unexpired, unrevoked token.
	PrunableAuthorizations(ctx context.Context, now time.Time, limit int) ([]string, error)

	// DeleteAuthorizationIfUnreferenced deletes an authorization only if it
	// still owns no live token at delete time. Reports whether a delete
	// happened.
	DeleteAuthorizationIfUnreferenced(ctx context.Context, id string, now time.Time) (bool, error)
}
