package ratewindow

import (
	"time"

	"github.com/triallabs/trial-guard/internal/models"
)

// Outcome of a sliding-window check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Evaluates a true sliding window over the record's recent-call timestamps:
// count the calls inside [now - window, now] and deny once maxCalls is
// reached. Unlike fixed buckets there is no boundary to straddle, so a
// burst just before and just after a bucket edge cannot double throughput.
//
// On denial, RetryAfter is how long until the oldest qualifying call slides
// out of the window and frees a slot.
func Evaluate(timestamps models.TimestampList, now time.Time, window time.Duration, maxCalls int) Result {
	windowStart := now.Add(-window)

	count := 0
	var oldest time.Time
	for _, ts := range timestamps {
		if ts.After(windowStart) && !ts.After(now) {
			if count == 0 || ts.Before(oldest) {
				oldest = ts
			}
			count++
		}
	}

	if count < maxCalls {
		return Result{Allowed: true}
	}

	retryAfter := window - now.Sub(oldest)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{Allowed: false, RetryAfter: retryAfter}
}
