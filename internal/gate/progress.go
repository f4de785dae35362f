package gate

import "time"

// ProgressCap is the highest value the estimator will report. 100 is
// reserved for a confirmed running status.
const ProgressCap = 99.0

// Progress estimates start completion as a percentage of estimated
// duration elapsed since startedAt. It never reaches 100 by
// extrapolation; the controller sets 100 explicitly when the server
// confirms the instance is running. Returns 0 when there is no local
// start time or no usable estimate.
func Progress(now, startedAt time.Time, estimated time.Duration) float64 {
	if startedAt.IsZero() || estimated <= 0 {
		return 0
	}
	elapsed := now.Sub(startedAt)
	if elapsed <= 0 {
		return 0
	}
	pct := float64(elapsed) / float64(estimated) * 100
	if pct > ProgressCap {
		return ProgressCap
	}
	return pct
}
