// Package security provides supporting security features for the provider:
// audit logging with PII protection, clock-skew tolerant expiry checks,
// per-identifier rate limiting, and secure HTTP header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// Subject identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs issuance of tokens for an authorization.
func (a *Auditor) LogTokenIssued(subject, clientID, ipAddress, scope, flow string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
			"flow":  flow,
		},
	})
}

// LogTokenRefreshed logs a successful refresh grant.
func (a *Auditor) LogTokenRefreshed(subject, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs revocation of a token or an authorization.
func (a *Auditor) LogTokenRevoked(subject, clientID, ipAddress, tokenKind string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogCodeReuseDetected logs a second redemption attempt for an
// authorization code. The owning authorization is revoked in response.
func (a *Auditor) LogCodeReuseDetected(subject, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReuseDetected,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogRefreshReuseDetected logs presentation of an already-rotated
// refresh token, which is treated as evidence of token theft.
func (a *Auditor) LogRefreshReuseDetected(subject, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRefreshReuseDetected,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogSessionEnded logs an end-session request.
func (a *Auditor) LogSessionEnded(subject, clientID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:      EventSessionEnded,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"authorizations_revoked": revoked,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
