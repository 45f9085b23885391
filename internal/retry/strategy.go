// Package retry decides how long a failed delivery waits before it is
// redelivered and when it stops being redelivered at all.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy is an exponential backoff with a dead-letter threshold.
//
// A delivery that failed on attempt n (1-based) is redelivered after
// min(BaseDelay * Multiplier^(n-1), MaxDelay), unless n has reached
// DLQThreshold, in which case it is dead-lettered instead.
type Strategy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	DLQThreshold int
}

func DefaultStrategy() Strategy {
	return Strategy{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		DLQThreshold: 5,
	}
}

// Delay returns the wait before redelivering a message that failed on the
// given attempt.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.capped(float64(s.BaseDelay))
	}

	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return s.capped(float64(s.BaseDelay) * math.Pow(multiplier, float64(attempt-1)))
}

func (s Strategy) capped(delay float64) time.Duration {
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldDeadLetter reports whether a message that failed on the given
// attempt has used up its redeliveries.
func (s Strategy) ShouldDeadLetter(attempt int) bool {
	return attempt >= s.DLQThreshold
}

// Schedule renders the redelivery plan, used in startup logs.
func (s Strategy) Schedule() string {
	var b strings.Builder
	for i := 1; i < s.DLQThreshold; i++ {
		fmt.Fprintf(&b, "attempt %d: retry after %v; ", i, s.Delay(i))
	}
	fmt.Fprintf(&b, "attempt %d: dead-letter", s.DLQThreshold)
	return b.String()
}
