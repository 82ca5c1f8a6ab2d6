package coordinator

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	str     string
	list    []string
	expires time.Time
}

// Memory is an in-process coordinator for tests and single-process setups.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory returns an empty in-process coordinator.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*entry), now: time.Now}
}

// SetClock replaces the clock used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// live returns the entry at key, dropping it if expired. Caller holds mu.
func (m *Memory) live(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	var n int64
	if e != nil {
		var err error
		n, err = strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	n++
	m.data[key] = &entry{str: strconv.FormatInt(n, 10), expires: m.expiry(ttl)}
	return n, nil
}

func (m *Memory) Append(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{}
		m.data[key] = e
	}
	e.list = append(e.list, value)
	e.expires = m.expiry(ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.str, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &entry{str: value, expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) Drain(_ context.Context, listKey string, alsoDelete ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []string
	if e := m.live(listKey); e != nil {
		items = e.list
	}
	delete(m.data, listKey)
	for _, k := range alsoDelete {
		delete(m.data, k)
	}
	return items, nil
}

func (m *Memory) Close() error { return nil }
