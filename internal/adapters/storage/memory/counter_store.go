// Package memory disponibiliza o CounterStore em memória, local ao processo.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
)

// CounterStore keeps minute buckets per (ip, metric). Memory is bounded by the
// number of IPs seen within the largest window times the number of metrics.
type CounterStore struct {
	mu     sync.RWMutex
	series map[seriesKey]*series
}

var _ ports.CounterStore = (*CounterStore)(nil)

type seriesKey struct {
	ip     string
	metric domain.Metric
}

type series struct {
	mu      sync.Mutex
	window  time.Duration // largest window requested for this series
	buckets []domain.Bucket
	dead    bool // removed from the map by Evict
}

func NewCounterStore() *CounterStore {
	return &CounterStore{series: make(map[seriesKey]*series)}
}

// Increment adds one event to the bucket of now and returns the sliding count
// over window.
func (s *CounterStore) Increment(_ context.Context, ip string, metric domain.Metric, window time.Duration, now time.Time) (int64, error) {
	if window <= 0 {
		window = domain.DefaultRuleWindow
	}
	key := seriesKey{ip: ip, metric: metric}

	for {
		ser := s.getOrCreate(key)

		ser.mu.Lock()
		if ser.dead {
			// evicted between lookup and lock; fetch the fresh series
			ser.mu.Unlock()
			continue
		}
		if window > ser.window {
			ser.window = window
		}
		ser.add(domain.BucketStart(now))
		ser.trim(now)
		count := domain.SlidingSum(ser.buckets, now, window)
		ser.mu.Unlock()

		return count, nil
	}
}

// Count returns the sliding count without incrementing.
func (s *CounterStore) Count(ip string, metric domain.Metric, window time.Duration, now time.Time) int64 {
	s.mu.RLock()
	ser, ok := s.series[seriesKey{ip: ip, metric: metric}]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()
	return domain.SlidingSum(ser.buckets, now, window)
}

// Evict drops stale buckets and removes series left empty. It returns the
// number of series removed.
func (s *CounterStore) Evict(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ser := range s.series {
		ser.mu.Lock()
		ser.trim(now)
		empty := len(ser.buckets) == 0
		if empty {
			ser.dead = true
		}
		ser.mu.Unlock()

		if empty {
			delete(s.series, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live (ip, metric) series.
func (s *CounterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

func (s *CounterStore) getOrCreate(key seriesKey) *series {
	s.mu.RLock()
	ser, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return ser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok = s.series[key]; ok {
		return ser
	}
	ser = &series{}
	s.series[key] = ser
	return ser
}

// add counts one event in the bucket starting at start, keeping buckets in
// start order. Callers hold ser.mu.
func (ser *series) add(start time.Time) {
	for i := len(ser.buckets) - 1; i >= 0; i-- {
		b := &ser.buckets[i]
		if b.Start.Equal(start) {
			b.Count++
			return
		}
		if b.Start.Before(start) {
			ser.buckets = append(ser.buckets, domain.Bucket{})
			copy(ser.buckets[i+2:], ser.buckets[i+1:])
			ser.buckets[i+1] = domain.Bucket{Start: start, Count: 1}
			return
		}
	}
	ser.buckets = append([]domain.Bucket{{Start: start, Count: 1}}, ser.buckets...)
}

// trim drops buckets that can no longer contribute to the series window.
// Buckets are kept in start order. Callers hold ser.mu.
func (ser *series) trim(now time.Time) {
	i := 0
	for i < len(ser.buckets) && ser.buckets[i].Stale(now, ser.window) {
		i++
	}
	if i > 0 {
		ser.buckets = append(ser.buckets[:0], ser.buckets[i:]...)
	}
}
