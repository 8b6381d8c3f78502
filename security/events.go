package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued for an authorization
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token or authorization is revoked
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an authorization code is redeemed twice (attack)
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshReuseDetected is logged when a rotated refresh token is presented again (theft)
	EventRefreshReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventSessionEnded is logged when a subject's session is terminated
	EventSessionEnded = "session_ended"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
