package domain

import "time"

// BucketWidth is the granularity of every sliding counter.
const BucketWidth = time.Minute

// DefaultRuleWindow is the lookback used when a counter rule sets none.
const DefaultRuleWindow = time.Minute

type Bucket struct {
	Start time.Time
	Count int64
}

// BucketStart truncates t to the start of its bucket.
func BucketStart(t time.Time) time.Time {
	return t.Truncate(BucketWidth)
}

// SlidingSum counts the events in every bucket that still overlaps
// (now-window, now]. The bucket straddling the window start counts in full,
// so the result can only overshoot the exact count, by at most one bucket.
func SlidingSum(buckets []Bucket, now time.Time, window time.Duration) int64 {
	windowStart := now.Add(-window)

	var total int64
	for _, b := range buckets {
		if b.Start.Add(BucketWidth).After(windowStart) {
			total += b.Count
		}
	}
	return total
}

// Stale reports whether a bucket can no longer contribute to a window of the
// given size.
func (b Bucket) Stale(now time.Time, window time.Duration) bool {
	return !b.Start.Add(BucketWidth).After(now.Add(-window))
}
