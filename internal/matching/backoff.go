package matching

import "time"

// redeliverySchedule is the fixed backoff ladder for retryable task
// failures, capped at the last step.
var redeliverySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Backoff returns the redelivery delay for the given attempt count
// (attempt 1 = first failure).
func Backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := int(attempt) - 1
	if idx >= len(redeliverySchedule) {
		idx = len(redeliverySchedule) - 1
	}
	return redeliverySchedule[idx]
}
