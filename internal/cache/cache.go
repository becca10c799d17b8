// Package cache defines the append-only mapping cache consulted by the
// metamapping engine, with in-memory, libSQL, Postgres and Redis adapters.
package cache

import (
	"context"
	"sort"
	"time"
)

// Entry is one cached identifier conversion.
type Entry struct {
	SourceID     string         `json:"source_id"`
	SourceType   string         `json:"source_type"`
	TargetID     string         `json:"target_id"`
	TargetType   string         `json:"target_type"`
	Confidence   float64        `json:"confidence"`
	Resource     string         `json:"resource_name"`
	PathMetadata map[string]any `json:"path_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Cache is the read/append contract of a mapping cache. Entries are never
// updated or deleted; writing an entry that already exists for the same
// (source, target id, resource) is a no-op.
type Cache interface {
	// Get returns every entry for the key, best confidence first. found is
	// false when nothing was cached for the key.
	Get(ctx context.Context, sourceID, sourceType, targetType string) ([]Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}

// SortEntries orders entries by confidence desc, then target id, then resource.
// Every adapter returns entries in this order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.Resource < b.Resource
	})
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string, string, string) ([]Entry, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, Entry) error                                  { return nil }

func stamp(e Entry) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}
