package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

type mockStorage struct {
	mu       sync.Mutex
	entries  map[string]domain.BlockEntry
	getErr   error
	putErr   error
	delErr   error
	slow     bool
	putCount int
}

func newMockStorage() *mockStorage {
	return &mockStorage{entries: make(map[string]domain.BlockEntry)}
}

func (m *mockStorage) Get(ctx context.Context, ip string) (domain.BlockEntry, bool, error) {
	m.mu.Lock()
	slow, getErr := m.slow, m.getErr
	m.mu.Unlock()

	if slow {
		<-ctx.Done()
		return domain.BlockEntry{}, false, ctx.Err()
	}
	if getErr != nil {
		return domain.BlockEntry{}, false, getErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ip]
	return entry, ok, nil
}

func (m *mockStorage) Put(_ context.Context, entry domain.BlockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCount++
	if m.putErr != nil {
		return m.putErr
	}
	m.entries[entry.IP] = entry
	return nil
}

func (m *mockStorage) Delete(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.entries, ip)
	return nil
}

func (m *mockStorage) List(context.Context) ([]domain.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BlockEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (m *mockStorage) Prune(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ip, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, ip)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) setGetErr(err error) {
	m.mu.Lock()
	m.getErr = err
	m.mu.Unlock()
}

func (m *mockStorage) setPutErr(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

func (m *mockStorage) setDeleteErr(err error) {
	m.mu.Lock()
	m.delErr = err
	m.mu.Unlock()
}

func (m *mockStorage) has(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[ip]
	return ok
}

func (m *mockStorage) puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCount
}

func (m *mockStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
