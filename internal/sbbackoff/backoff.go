// Package sbbackoff maps consecutive-error counts to wait intervals for
// the two retrying subflows of the client: failed update requests and
// failed full-hash requests. The schedules are fixed by the service
// protocol, not tunable per deployment, so the package exposes them as
// pure functions of the error count rather than as a stateful controller;
// the counts themselves live in storage, per list and per prefix.
//
// Grounded on rjohnsondev-go-safe-browsing-api's safebrowsing.go
// reloadLoop, whose randomized 30-480 minute waits are the reference for
// the randomized update tiers.
package sbbackoff

import (
	"math/rand"
	"time"
)

// randDuration returns a uniformly distributed duration in [lo, hi]. It is
// a variable so tests can pin the randomness.
var randDuration = func(lo, hi time.Duration) (d time.Duration) {
	if hi <= lo {
		return lo
	}

	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// UpdateWait returns the wait interval before the next update attempt
// after errNum consecutive update failures. The second through fifth tiers
// are uniformly random within their bounds; the sixth and later are capped
// at eight hours.
func UpdateWait(errNum int) (wait time.Duration) {
	switch {
	case errNum <= 1:
		return time.Minute
	case errNum == 2:
		return randDuration(30*time.Minute, 60*time.Minute)
	case errNum == 3:
		return randDuration(60*time.Minute, 120*time.Minute)
	case errNum == 4:
		return randDuration(120*time.Minute, 240*time.Minute)
	case errNum == 5:
		return randDuration(240*time.Minute, 480*time.Minute)
	default:
		return 480 * time.Minute
	}
}

// FullHashWait returns how long full-hash requests for a prefix must be
// throttled after errNum consecutive failures. A zero wait means requests
// may proceed; notably the second failure is tolerated without a throttle.
func FullHashWait(errNum int) (wait time.Duration) {
	switch {
	case errNum <= 0:
		return 0
	case errNum == 1:
		return 5 * time.Minute
	case errNum == 2:
		return 0
	case errNum == 3:
		return 30 * time.Minute
	case errNum == 4:
		return 60 * time.Minute
	default:
		return 120 * time.Minute
	}
}

// FullHashThrottled reports whether a full-hash request for a prefix with
// the given error state must be skipped at time now.
func FullHashThrottled(errNum int, lastErr, now time.Time) (ok bool) {
	wait := FullHashWait(errNum)
	if wait == 0 {
		return false
	}

	return now.Before(lastErr.Add(wait))
}
