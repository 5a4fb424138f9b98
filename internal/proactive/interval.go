package proactive

import "time"

// NextInterval computes the sleep before the next cycle from today's budget
// utilization. Low usage keeps the agent lively; as the budget drains the
// loop slows toward the max interval.
func NextInterval(used, limit int64, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = time.Minute
	}
	if max < min {
		max = min
	}
	if limit <= 0 {
		return max
	}

	u := float64(used) / float64(limit)
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}

	minS := min.Seconds()
	maxS := max.Seconds()
	var s float64
	switch {
	case u < 0.5:
		s = minS + (300-minS)*u
	case u < 0.8:
		s = 300 + (1800-300)*(u-0.5)/0.3
	default:
		s = 1800 + (maxS-1800)*(u-0.8)/0.2
	}

	d := time.Duration(s * float64(time.Second))
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}
