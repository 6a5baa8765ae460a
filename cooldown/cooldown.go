// Package cooldown tracks when a rule last fired for a contact and gates
// re-firing inside the rule's suppression window.
package cooldown

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every backend failure. Callers treat it as "not
// eligible".
var ErrUnavailable = errors.New("cooldown store unavailable")

// Key identifies one cooldown record. Rule ids are only unique within an
// organization, so the org is part of the key.
type Key struct {
	OrgID     string
	RuleID    string
	ContactID string
}

// Store holds one last-fired timestamp per Key.
type Store interface {
	// TryAcquire checks eligibility and records a firing at now as one atomic
	// step. Of any number of concurrent callers for the same key inside one
	// window, exactly one gets true.
	TryAcquire(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error)

	// IsEligible is the read-only half of TryAcquire.
	IsEligible(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error)

	// RecordFiring overwrites the key's timestamp unconditionally.
	RecordFiring(ctx context.Context, k Key, now time.Time) error

	// Reset removes the key's record. Resetting a missing key is not an error.
	Reset(ctx context.Context, k Key) error

	// LastFired returns the recorded timestamp, if any.
	LastFired(ctx context.Context, k Key) (time.Time, bool, error)
}

// Eligible reports whether a key last fired at last (if ever) may fire at now.
func Eligible(last time.Time, found bool, window time.Duration, now time.Time) bool {
	if !found || window <= 0 {
		return true
	}
	return now.Sub(last) >= window
}
