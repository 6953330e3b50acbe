package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to every
	// expiry check. Coordinators, the relational mirror, and callers all
	// run on different hosts; a few seconds of NTP drift between them
	// must not produce false expiration errors. The trade-off is that an
	// entity stays usable up to this long past its true expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether a deadline has passed, applying the default
// clock skew grace period. A zero deadline means no expiry.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGrace reports whether a deadline has passed by more than the
// given grace period.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

// ExpiresWithin reports whether a deadline falls inside the given
// threshold. Used by the key store to rotate signing keys before their
// scheduled retirement.
func ExpiresWithin(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
