package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to
	// token expiry and not-before checks. It absorbs minor clock drift
	// between the issuing server, relying parties, and storage replicas.
	// 5 seconds is conservative for typical NTP drift; high-security
	// deployments can reduce it through configuration.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired checks if a token is expired with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with a custom grace period.
// A zero expiry time means the token never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsNotYetValid checks if a token's not-before time is still in the future,
// allowing for the given clock skew grace period.
func IsNotYetValid(notBefore time.Time, gracePeriod time.Duration) bool {
	if notBefore.IsZero() {
		return false
	}

	return time.Now().Add(gracePeriod).Before(notBefore)
}

// IsTokenExpiringSoon checks if a token will expire within the given threshold.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().Add(threshold).After(expiresAt)
}
