package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

type memKey struct {
	sourceID, sourceType, targetType string
}

type memBucket struct {
	mu      sync.Mutex // serializes writers only
	entries atomic.Pointer[[]Entry]
}

// Memory is an in-process Cache. Readers load an immutable snapshot and never
// wait on writers.
type Memory struct {
	buckets sync.Map // memKey -> *memBucket
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(_ context.Context, sourceID, sourceType, targetType string) ([]Entry, bool, error) {
	v, ok := m.buckets.Load(memKey{sourceID, sourceType, targetType})
	if !ok {
		return nil, false, nil
	}
	snap := v.(*memBucket).entries.Load()
	if snap == nil || len(*snap) == 0 {
		return nil, false, nil
	}
	out := append([]Entry(nil), *snap...)
	SortEntries(out)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	e = stamp(e)
	v, _ := m.buckets.LoadOrStore(memKey{e.SourceID, e.SourceType, e.TargetType}, &memBucket{})
	b := v.(*memBucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	var cur []Entry
	if snap := b.entries.Load(); snap != nil {
		cur = *snap
	}
	for _, existing := range cur {
		if existing.TargetID == e.TargetID && existing.Resource == e.Resource {
			return nil
		}
	}
	next := make([]Entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	b.entries.Store(&next)
	return nil
}

// Len returns the total number of cached entries.
func (m *Memory) Len() int {
	n := 0
	m.buckets.Range(func(_, v any) bool {
		if snap := v.(*memBucket).entries.Load(); snap != nil {
			n += len(*snap)
		}
		return true
	})
	return n
}
