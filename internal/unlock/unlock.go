// Package unlock decides when capsule content may be revealed.
//
// The decision is a pure function of the capsule and the caller's clock; no
// "unlocked" state is ever stored, so every read re-evaluates it.
package unlock

import (
	"time"

	"github.com/starford/timesnap/internal/capsule"
)

// IsUnlocked reports whether now has reached c.UnlockAt. The boundary
// instant itself counts as unlocked.
func IsUnlocked(c capsule.Capsule, now time.Time) bool {
	return !now.Before(c.UnlockAt)
}

// Remaining returns how long until c unlocks, or 0 once it has.
func Remaining(c capsule.Capsule, now time.Time) time.Duration {
	if IsUnlocked(c, now) {
		return 0
	}
	return c.UnlockAt.Sub(now)
}

// UnlockLabel renders the card caption for a locked capsule. The time of day
// is shown only when the capsule says it is meaningful.
func UnlockLabel(c capsule.Capsule, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	at := c.UnlockAt.In(loc)
	if c.IncludeTime {
		return "Unlocks: " + at.Format("Jan 2, 2006 at 3:04 PM")
	}
	return "Unlocks: " + at.Format("Jan 2, 2006")
}
