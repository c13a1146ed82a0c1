package sbbackoff_test

import (
	"testing"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbbackoff"
	"github.com/stretchr/testify/assert"
)

func TestUpdateWait(t *testing.T) {
	testCases := []struct {
		name   string
		errNum int
		lo     time.Duration
		hi     time.Duration
	}{{
		name:   "first",
		errNum: 1,
		lo:     time.Minute,
		hi:     time.Minute,
	}, {
		name:   "second",
		errNum: 2,
		lo:     30 * time.Minute,
		hi:     60 * time.Minute,
	}, {
		name:   "third",
		errNum: 3,
		lo:     60 * time.Minute,
		hi:     120 * time.Minute,
	}, {
		name:   "fourth",
		errNum: 4,
		lo:     120 * time.Minute,
		hi:     240 * time.Minute,
	}, {
		name:   "fifth",
		errNum: 5,
		lo:     240 * time.Minute,
		hi:     480 * time.Minute,
	}, {
		name:   "sixth_capped",
		errNum: 6,
		lo:     480 * time.Minute,
		hi:     480 * time.Minute,
	}, {
		name:   "tenth_capped",
		errNum: 10,
		lo:     480 * time.Minute,
		hi:     480 * time.Minute,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				got := sbbackoff.UpdateWait(tc.errNum)
				assert.GreaterOrEqual(t, got, tc.lo)
				assert.LessOrEqual(t, got, tc.hi)
			}
		})
	}
}

func TestFullHashWait(t *testing.T) {
	assert.Equal(t, time.Duration(0), sbbackoff.FullHashWait(0))
	assert.Equal(t, 5*time.Minute, sbbackoff.FullHashWait(1))
	assert.Equal(t, time.Duration(0), sbbackoff.FullHashWait(2))
	assert.Equal(t, 30*time.Minute, sbbackoff.FullHashWait(3))
	assert.Equal(t, 60*time.Minute, sbbackoff.FullHashWait(4))
	assert.Equal(t, 120*time.Minute, sbbackoff.FullHashWait(5))
	assert.Equal(t, 120*time.Minute, sbbackoff.FullHashWait(9))
}

func TestFullHashThrottled(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// One recent failure throttles for five minutes.
	assert.True(t, sbbackoff.FullHashThrottled(1, now.Add(-time.Minute), now))
	assert.False(t, sbbackoff.FullHashThrottled(1, now.Add(-6*time.Minute), now))

	// A second failure is tolerated.
	assert.False(t, sbbackoff.FullHashThrottled(2, now, now))

	// Three failures throttle for half an hour.
	assert.True(t, sbbackoff.FullHashThrottled(3, now.Add(-29*time.Minute), now))
	assert.False(t, sbbackoff.FullHashThrottled(3, now.Add(-31*time.Minute), now))
}
