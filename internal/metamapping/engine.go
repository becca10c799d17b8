// Package metamapping resolves identifiers between ontology types that no
// single resource connects, by finding the shortest chain of resources over
// the capability graph and executing it with multiplicative confidence.
package metamapping

import (
	"context"
	"log/slog"
	"sync"

	"github.com/biomapper/biomapper/internal/cache"
	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/internal/metrics"
	"github.com/biomapper/biomapper/internal/resources"
	"github.com/biomapper/biomapper/pkg/schema"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxPathLength bounds path discovery in hops.
const DefaultMaxPathLength = 3

// DefaultConcurrency bounds parallel resolutions in ResolveBatch.
const DefaultConcurrency = 8

// Capabilities is the view of the capability registry the engine needs.
// Satisfied by *capability.Registry.
type Capabilities interface {
	FindResources(sourceType, targetType string) []capability.Resource
	OntologyTypes() []string
}

// ResolverSource looks up resolver implementations by resource name.
// Satisfied by *resources.Catalog.
type ResolverSource interface {
	Get(name string) (resources.Resolver, bool)
}

// Invoker calls a resolver with resilience.
// Satisfied by *resources.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, r resources.Resolver, id, sourceType, targetType string) ([]resources.Mapping, error)
}

// Config holds engine configuration.
type Config struct {
	MaxPathLength int
	Concurrency   int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Engine discovers and executes mapping paths. It is safe for concurrent use.
type Engine struct {
	caps      Capabilities
	resolvers ResolverSource
	invoker   Invoker
	cache     cache.Cache
	cfg       Config
	logger    *slog.Logger

	// pathMu guards paths, the discovered type sequences keyed by
	// (source type, target type).
	pathMu sync.RWMutex
	paths  map[[2]string][]string
}

// New creates an Engine. c may be nil to disable caching.
func New(caps Capabilities, resolvers ResolverSource, invoker Invoker, c cache.Cache, cfg Config) *Engine {
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = DefaultMaxPathLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.Nop{}
	}
	return &Engine{
		caps:      caps,
		resolvers: resolvers,
		invoker:   invoker,
		cache:     c,
		cfg:       cfg,
		logger:    logger,
		paths:     make(map[[2]string][]string),
	}
}

// Resolve maps one identifier from sourceType to targetType. A missing path or
// an identifier no resource could map is a Resolution with Resolved false; the
// error is non-nil only when ctx is done.
func (e *Engine) Resolve(ctx context.Context, id, sourceType, targetType string) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if res, ok := e.fromCache(ctx, id, sourceType, targetType); ok {
		return res, nil
	}

	pr := e.FindPath(sourceType, targetType)
	if !pr.Found {
		return &Resolution{
			SourceID:   id,
			SourceType: sourceType,
			TargetType: targetType,
			Reason:     ReasonNoPath,
		}, nil
	}
	return e.ExecutePath(ctx, id, pr.Path)
}

// ResolveBatch resolves ids concurrently over a single discovered path.
// Results are returned in input order.
func (e *Engine) ResolveBatch(ctx context.Context, ids []string, sourceType, targetType string) ([]*Resolution, error) {
	out := make([]*Resolution, len(ids))
	pr := e.FindPath(sourceType, targetType)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if res, ok := e.fromCache(gctx, id, sourceType, targetType); ok {
				out[i] = res
				return nil
			}
			if !pr.Found {
				out[i] = &Resolution{SourceID: id, SourceType: sourceType, TargetType: targetType, Reason: ReasonNoPath}
				return nil
			}
			res, err := e.ExecutePath(gctx, id, pr.Path)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// InvalidatePaths forgets every discovered path, e.g. after resources change.
func (e *Engine) InvalidatePaths() {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	e.paths = make(map[[2]string][]string)
}

func cancelled(err error) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "resolution cancelled: %v", err).WithCause(err)
}
