package expiry

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTTL is how long an issued payment code stays valid when the caller does not ask otherwise.
const DefaultTTL = 5 * time.Minute

// MaxTTL bounds caller supplied lifetimes.
const MaxTTL = 24 * time.Hour

var defaultLoc = time.UTC

// SetDefaultExpiryLocation sets the location used when rendering expiry instants (fallback UTC).
func SetDefaultExpiryLocation(loc *time.Location) {
	if loc != nil {
		defaultLoc = loc
	}
}

// TTL returns override when it is positive, DefaultTTL otherwise.
func TTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return DefaultTTL
}

// ValidateTTL rejects lifetimes that are negative or longer than MaxTTL. Zero means default.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("expiry ttl must not be negative")
	}
	if ttl > MaxTTL {
		return fmt.Errorf("expiry ttl must be at most %s", MaxTTL)
	}
	return nil
}

// At returns the absolute expiry for a code issued at issue with the given ttl.
func At(issue time.Time, ttl time.Duration) time.Time {
	return issue.Add(TTL(ttl)).In(defaultLoc)
}

// EpochMillis renders t as milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis is the inverse of EpochMillis.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).In(defaultLoc)
}

// IsExpired reports whether 'at' is strictly after expiresAt plus grace.
// The expiry instant itself is still valid.
func IsExpired(expiresAt, at time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return at.After(expiresAt.Add(grace))
}

// Remaining returns the time left before expiresAt, never negative.
func Remaining(expiresAt, at time.Time) time.Duration {
	d := expiresAt.Sub(at)
	if d < 0 {
		return 0
	}
	return d
}

// MonotonicClock hands out millisecond stamps that strictly increase across calls,
// even when several calls land in the same wall-clock millisecond.
type MonotonicClock struct {
	now  func() time.Time
	last atomic.Int64
}

func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now}
}

// Next returns the wall time with its millisecond stamp bumped past every previous stamp.
func (c *MonotonicClock) Next() (time.Time, int64) {
	for {
		t := c.now()
		ms := t.UnixMilli()
		prev := c.last.Load()
		if ms <= prev {
			ms = prev + 1
		}
		if c.last.CompareAndSwap(prev, ms) {
			return time.UnixMilli(ms).In(defaultLoc), ms
		}
	}
}
