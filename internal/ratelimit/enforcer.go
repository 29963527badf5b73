package ratelimit

import "time"

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Current  int
	Limit    int
	Window   time.Duration
	Reason   string
}

// Check compares the count of actions already inside the window against
// the limit. Callers add any batch items about to be performed to count.
func Check(count int, limit Limit) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Window:   limit.Window,
			Reason:   "rate limit exceeded: " + limit.String(),
		}
	}
	return CheckResult{Current: count, Limit: limit.MaxRequests, Window: limit.Window}
}

// WindowStart returns the start of the trailing window ending at now.
func WindowStart(now time.Time, limit Limit) time.Time {
	return now.Add(-limit.Window)
}
