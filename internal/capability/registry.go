// Package capability tracks which ontology-type conversions each mapping
// resource supports and how well it has performed, and orders candidate
// resources adaptively from that history.
package capability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biomapper/biomapper/pkg/schema"
)

// SupportLevel describes how completely a resource covers a conversion.
type SupportLevel string

const (
	SupportFull    SupportLevel = "full"
	SupportPartial SupportLevel = "partial"
	SupportNone    SupportLevel = "none"
)

// Capability is one (source type, target type) conversion a resource offers.
type Capability struct {
	SourceType   string       `json:"source_type" yaml:"source_type"`
	TargetType   string       `json:"target_type" yaml:"target_type"`
	SupportLevel SupportLevel `json:"support_level,omitempty" yaml:"support_level,omitempty"`
}

// Resource is the registration record of a mapping resource.
type Resource struct {
	Name         string       `json:"name" yaml:"name"`
	Priority     int          `json:"priority" yaml:"priority"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Performance is a point-in-time view of a resource's statistics for one conversion.
type Performance struct {
	Successes   int64         `json:"success_count"`
	Failures    int64         `json:"failure_count"`
	AvgLatency  time.Duration `json:"avg_latency"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	SuccessRate float64       `json:"success_rate"`
}

// latencyAlpha is the EWMA weight of the newest latency sample.
const latencyAlpha = 0.2

type edge struct {
	source, target string
}

// counters are updated without locks; readers never wait on RecordOutcome.
type counters struct {
	successes   atomic.Int64
	failures    atomic.Int64
	avgLatency  atomic.Int64 // nanoseconds, EWMA
	lastSuccess atomic.Int64 // unix nanoseconds
}

func (c *counters) snapshot() Performance {
	s, f := c.successes.Load(), c.failures.Load()
	p := Performance{
		Successes:   s,
		Failures:    f,
		AvgLatency:  time.Duration(c.avgLatency.Load()),
		SuccessRate: smoothedRate(s, f),
	}
	if ts := c.lastSuccess.Load(); ts > 0 {
		p.LastSuccess = time.Unix(0, ts)
	}
	return p
}

func (c *counters) observeLatency(latency time.Duration) {
	sample := float64(latency)
	for {
		old := c.avgLatency.Load()
		next := int64(sample)
		if old != 0 {
			next = int64(math.Round(float64(old) + latencyAlpha*(sample-float64(old))))
		}
		if c.avgLatency.CompareAndSwap(old, next) {
			return
		}
	}
}

// smoothedRate is the Laplace-smoothed success rate, 0.5 for an unused resource.
func smoothedRate(successes, failures int64) float64 {
	return float64(successes+1) / float64(successes+failures+2)
}

type entry struct {
	resource Resource
	seq      int
	stats    map[edge]*counters
}

// Registry holds the registered mapping resources. Registration takes a write
// lock and happens at startup; lookups share a read lock and statistics are
// atomic, so concurrent runs never block each other.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*entry
	edges     map[edge][]*entry
	types     []string
	typeSeen  map[string]struct{}
	now       func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]*entry),
		edges:     make(map[edge][]*entry),
		typeSeen:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// RegisterResource adds a resource and its capabilities. Capabilities with
// support level "none" are ignored.
func (r *Registry) RegisterResource(res Resource) error {
	if res.Name == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "resource name is empty")
	}
	for i, c := range res.Capabilities {
		if c.SourceType == "" || c.TargetType == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"resource %q: capability %d needs source_type and target_type", res.Name, i)
		}
		switch c.SupportLevel {
		case "", SupportFull, SupportPartial, SupportNone:
		default:
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"resource %q: unknown support level %q", res.Name, c.SupportLevel)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[res.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "resource %q already registered", res.Name)
	}

	e := &entry{
		resource: cloneResource(res),
		seq:      len(r.resources),
		stats:    make(map[edge]*counters),
	}
	for _, c := range res.Capabilities {
		if c.SupportLevel == SupportNone {
			continue
		}
		k := edge{c.SourceType, c.TargetType}
		if _, dup := e.stats[k]; dup {
			continue
		}
		e.stats[k] = &counters{}
		r.edges[k] = append(r.edges[k], e)
		r.addType(c.SourceType)
		r.addType(c.TargetType)
	}
	r.resources[res.Name] = e
	return nil
}

func (r *Registry) addType(t string) {
	if _, ok := r.typeSeen[t]; ok {
		return
	}
	r.typeSeen[t] = struct{}{}
	r.types = append(r.types, t)
}

// FindResources returns the resources supporting source→target, best first:
// higher smoothed success rate, then higher priority, then most recent
// success, then registration order.
func (r *Registry) FindResources(sourceType, targetType string) []Resource {
	r.mu.RLock()
	candidates := append([]*entry(nil), r.edges[edge{sourceType, targetType}]...)
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	k := edge{sourceType, targetType}
	perf := make(map[*entry]Performance, len(candidates))
	for _, e := range candidates {
		perf[e] = e.stats[k].snapshot()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := perf[a], perf[b]
		if pa.SuccessRate != pb.SuccessRate {
			return pa.SuccessRate > pb.SuccessRate
		}
		if a.resource.Priority != b.resource.Priority {
			return a.resource.Priority > b.resource.Priority
		}
		if !pa.LastSuccess.Equal(pb.LastSuccess) {
			return pa.LastSuccess.After(pb.LastSuccess)
		}
		return a.seq < b.seq
	})

	out := make([]Resource, len(candidates))
	for i, e := range candidates {
		out[i] = cloneResource(e.resource)
	}
	return out
}

// Supports reports whether any resource covers source→target directly.
func (r *Registry) Supports(sourceType, targetType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges[edge{sourceType, targetType}]) > 0
}

// RecordOutcome updates the rolling statistics of a resource for one
// conversion. Unknown resources or conversions are reported as NOT_FOUND.
func (r *Registry) RecordOutcome(resource, sourceType, targetType string, success bool, latency time.Duration) error {
	r.mu.RLock()
	e, ok := r.resources[resource]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "resource %q not registered", resource)
	}
	c, ok := e.stats[edge{sourceType, targetType}]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"resource %q does not support %s -> %s", resource, sourceType, targetType)
	}

	if success {
		c.successes.Add(1)
		c.lastSuccess.Store(r.now().UnixNano())
	} else {
		c.failures.Add(1)
	}
	if latency > 0 {
		c.observeLatency(latency)
	}
	return nil
}

// Performance returns the statistics of a resource for one conversion.
func (r *Registry) Performance(resource, sourceType, targetType string) (Performance, bool) {
	r.mu.RLock()
	e, ok := r.resources[resource]
	r.mu.RUnlock()
	if !ok {
		return Performance{}, false
	}
	c, ok := e.stats[edge{sourceType, targetType}]
	if !ok {
		return Performance{}, false
	}
	return c.snapshot(), true
}

// OntologyTypes returns every type named by a capability, in the order first seen.
func (r *Registry) OntologyTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.types...)
}

// Resources returns the registered resources in registration order.
func (r *Registry) Resources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resource, len(r.resources))
	for _, e := range r.resources {
		out[e.seq] = cloneResource(e.resource)
	}
	return out
}

// StatsRow is one line of a statistics report.
type StatsRow struct {
	Resource   string `json:"resource"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
	Performance
}

// Stats returns statistics for every (resource, conversion), ordered by
// resource registration then conversion.
func (r *Registry) Stats() []StatsRow {
	r.mu.RLock()
	entries := make([]*entry, len(r.resources))
	for _, e := range r.resources {
		entries[e.seq] = e
	}
	r.mu.RUnlock()

	var rows []StatsRow
	for _, e := range entries {
		keys := make([]edge, 0, len(e.stats))
		for k := range e.stats {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].source != keys[j].source {
				return keys[i].source < keys[j].source
			}
			return keys[i].target < keys[j].target
		})
		for _, k := range keys {
			rows = append(rows, StatsRow{
				Resource:    e.resource.Name,
				SourceType:  k.source,
				TargetType:  k.target,
				Performance: e.stats[k].snapshot(),
			})
		}
	}
	return rows
}

func cloneResource(res Resource) Resource {
	res.Capabilities = append([]Capability(nil), res.Capabilities...)
	return res
}
