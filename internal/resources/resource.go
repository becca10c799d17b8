// Package resources implements mapping resources (services and tables that
// convert identifiers between two ontology types) and the resilient invoker
// the metamapping engine calls them through.
package resources

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/biomapper/biomapper/pkg/schema"
)

// Mapping is one target identifier produced by a resource.
type Mapping struct {
	TargetID   string         `json:"target_id" yaml:"target_id"`
	Confidence float64        `json:"confidence" yaml:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Resolver converts an identifier of sourceType into zero or more identifiers
// of targetType. No mapping is an empty result, not an error.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, id, sourceType, targetType string) ([]Mapping, error)
}

// Catalog holds resolver implementations by resource name.
type Catalog struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{resolvers: make(map[string]Resolver)}
}

// Add registers a resolver. Names must be unique.
func (c *Catalog) Add(r Resolver) error {
	if r == nil || r.Name() == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "resolver is nil or unnamed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resolvers[r.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "resolver %q already added", r.Name())
	}
	c.resolvers[r.Name()] = r
	return nil
}

// Get returns the resolver registered under name.
func (c *Catalog) Get(name string) (Resolver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resolvers[name]
	return r, ok
}

// Names returns the registered resolver names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.resolvers))
	for n := range c.resolvers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// normalize drops empty targets and clamps confidence into [0, 1]. A NaN
// confidence counts as 0.
func normalize(in []Mapping) []Mapping {
	out := make([]Mapping, 0, len(in))
	for _, m := range in {
		if m.TargetID == "" {
			continue
		}
		switch {
		case math.IsNaN(m.Confidence), m.Confidence < 0:
			m.Confidence = 0
		case m.Confidence > 1:
			m.Confidence = 1
		}
		out = append(out, m)
	}
	return out
}
