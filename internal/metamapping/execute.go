package metamapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/biomapper/biomapper/internal/cache"
)

// ResourceName is recorded as the resource of cached multi-hop results.
const ResourceName = "metamapping"

// Reasons a Resolution is unresolved.
const (
	ReasonNoPath    = "no_path"
	ReasonNoMapping = "no_mapping"
)

// Hop records how one step of a target's chain was produced.
type Hop struct {
	SourceType string  `json:"source_type"`
	TargetType string  `json:"target_type"`
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Resource   string  `json:"resource"`
	Confidence float64 `json:"confidence"`
}

// Target is one resolved identifier. Confidence is the product of every hop's
// confidence.
type Target struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Hops       []Hop   `json:"hops"`
}

// Resolution is the outcome of resolving one identifier.
type Resolution struct {
	SourceID   string   `json:"source_id"`
	SourceType string   `json:"source_type"`
	TargetType string   `json:"target_type"`
	Resolved   bool     `json:"resolved"`
	Targets    []Target `json:"targets,omitempty"`
	Path       []string `json:"path,omitempty"`
	FromCache  bool     `json:"from_cache,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Best returns the highest-confidence target.
func (r *Resolution) Best() (Target, bool) {
	if r == nil || len(r.Targets) == 0 {
		return Target{}, false
	}
	return r.Targets[0], true
}

type candidate struct {
	id         string
	confidence float64
	hops       []Hop
}

// ExecutePath walks path for one identifier. Each candidate is expanded by the
// first resource (in candidate order) that returns mappings; candidates with no
// mappings are dropped, and the path fails if a hop leaves none. The error is
// non-nil only when ctx is done.
func (e *Engine) ExecutePath(ctx context.Context, id string, path Path) (*Resolution, error) {
	res := &Resolution{
		SourceID: id,
		Path:     path.Types(),
	}
	if len(path.Steps) > 0 {
		res.SourceType = path.Steps[0].SourceType
		res.TargetType = path.Steps[len(path.Steps)-1].TargetType
	}

	current := []candidate{{id: id, confidence: 1}}
	for _, step := range path.Steps {
		var next []candidate
		for _, c := range current {
			mappings, err := e.resolveHop(ctx, c.id, step)
			if err != nil {
				if ctx.Err() != nil {
					return nil, cancelled(ctx.Err())
				}
				res.Errors = append(res.Errors, err.Error())
			}
			for _, m := range mappings {
				hops := make([]Hop, len(c.hops), len(c.hops)+1)
				copy(hops, c.hops)
				hops = append(hops, Hop{
					SourceType: step.SourceType,
					TargetType: step.TargetType,
					SourceID:   c.id,
					TargetID:   m.targetID,
					Resource:   m.resource,
					Confidence: m.confidence,
				})
				next = append(next, candidate{id: m.targetID, confidence: c.confidence * m.confidence, hops: hops})
			}
		}
		if len(next) == 0 {
			res.Reason = ReasonNoMapping
			e.logger.DebugContext(ctx, "path failed",
				slog.String("source_id", id),
				slog.String("path", path.String()),
				slog.String("hop", step.SourceType+" -> "+step.TargetType))
			return res, nil
		}
		current = dedupe(next)
	}

	res.Targets = make([]Target, len(current))
	for i, c := range current {
		res.Targets[i] = Target{ID: c.id, Confidence: c.confidence, Hops: c.hops}
	}
	sortTargets(res.Targets)
	res.Resolved = true

	if len(path.Steps) > 1 {
		e.storeFinal(ctx, res)
	}
	return res, nil
}

type hopMapping struct {
	targetID   string
	confidence float64
	resource   string
}

// resolveHop returns the mappings for one identifier over one hop, from the
// cache when present, otherwise from the first resource that yields any.
func (e *Engine) resolveHop(ctx context.Context, id string, step PathStep) ([]hopMapping, error) {
	entries, found, err := e.cache.Get(ctx, id, step.SourceType, step.TargetType)
	if err != nil {
		e.logger.WarnContext(ctx, "mapping cache read failed", slog.String("error", err.Error()))
	}
	e.cfg.Metrics.ObserveCacheLookup(found)
	if found {
		out := make([]hopMapping, 0, len(entries))
		for _, en := range entries {
			out = append(out, hopMapping{targetID: en.TargetID, confidence: en.Confidence, resource: en.Resource})
		}
		return out, nil
	}

	var lastErr error
	for _, rm := range step.Resources {
		r, ok := e.resolvers.Get(rm.Name)
		if !ok {
			lastErr = fmt.Errorf("resource %q has no resolver", rm.Name)
			continue
		}
		mappings, err := e.invoker.Invoke(ctx, r, id, step.SourceType, step.TargetType)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			e.logger.DebugContext(ctx, "resource failed, trying next",
				slog.String("resource", rm.Name),
				slog.String("source_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if len(mappings) == 0 {
			continue
		}
		out := make([]hopMapping, 0, len(mappings))
		for _, m := range mappings {
			out = append(out, hopMapping{targetID: m.TargetID, confidence: m.Confidence, resource: rm.Name})
			if err := e.cache.Put(ctx, cache.Entry{
				SourceID:   id,
				SourceType: step.SourceType,
				TargetID:   m.TargetID,
				TargetType: step.TargetType,
				Confidence: m.Confidence,
				Resource:   rm.Name,
			}); err != nil {
				e.logger.WarnContext(ctx, "mapping cache write failed", slog.String("error", err.Error()))
			}
		}
		return out, nil
	}
	return nil, lastErr
}

// storeFinal caches the end-to-end result of a multi-hop resolution with the
// hop chain as provenance.
func (e *Engine) storeFinal(ctx context.Context, res *Resolution) {
	for _, t := range res.Targets {
		hops, err := json.Marshal(t.Hops)
		if err != nil {
			continue
		}
		if err := e.cache.Put(ctx, cache.Entry{
			SourceID:   res.SourceID,
			SourceType: res.SourceType,
			TargetID:   t.ID,
			TargetType: res.TargetType,
			Confidence: t.Confidence,
			Resource:   ResourceName,
			PathMetadata: map[string]any{
				"path": strings.Join(res.Path, ">"),
				"hops": string(hops),
			},
		}); err != nil {
			e.logger.WarnContext(ctx, "mapping cache write failed", slog.String("error", err.Error()))
		}
	}
}

// fromCache answers a whole resolution from the cache.
func (e *Engine) fromCache(ctx context.Context, id, sourceType, targetType string) (*Resolution, bool) {
	if sourceType == targetType {
		return nil, false
	}
	entries, found, err := e.cache.Get(ctx, id, sourceType, targetType)
	if err != nil {
		e.logger.WarnContext(ctx, "mapping cache read failed", slog.String("error", err.Error()))
		return nil, false
	}
	e.cfg.Metrics.ObserveCacheLookup(found)
	if !found {
		return nil, false
	}

	res := &Resolution{
		SourceID:   id,
		SourceType: sourceType,
		TargetType: targetType,
		Resolved:   true,
		FromCache:  true,
		Path:       []string{sourceType, targetType},
	}
	for _, en := range entries {
		t := Target{ID: en.TargetID, Confidence: en.Confidence}
		if raw, ok := en.PathMetadata["hops"].(string); ok {
			if err := json.Unmarshal([]byte(raw), &t.Hops); err == nil && len(t.Hops) > 0 {
				res.Path = hopTypes(t.Hops)
			}
		}
		if len(t.Hops) == 0 {
			t.Hops = []Hop{{
				SourceType: sourceType,
				TargetType: targetType,
				SourceID:   id,
				TargetID:   en.TargetID,
				Resource:   en.Resource,
				Confidence: en.Confidence,
			}}
		}
		res.Targets = append(res.Targets, t)
	}
	res.Targets = dedupeTargets(res.Targets)
	sortTargets(res.Targets)
	return res, true
}

// dedupe keeps the highest-confidence candidate per identifier, preserving
// first-seen order.
func dedupe(in []candidate) []candidate {
	best := make(map[string]int, len(in))
	out := make([]candidate, 0, len(in))
	for _, c := range in {
		if i, ok := best[c.id]; ok {
			if c.confidence > out[i].confidence {
				out[i] = c
			}
			continue
		}
		best[c.id] = len(out)
		out = append(out, c)
	}
	return out
}

func dedupeTargets(in []Target) []Target {
	best := make(map[string]int, len(in))
	out := make([]Target, 0, len(in))
	for _, t := range in {
		if i, ok := best[t.ID]; ok {
			if t.Confidence > out[i].Confidence {
				out[i] = t
			}
			continue
		}
		best[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

func sortTargets(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Confidence != ts[j].Confidence {
			return ts[i].Confidence > ts[j].Confidence
		}
		return ts[i].ID < ts[j].ID
	})
}

func hopTypes(hops []Hop) []string {
	types := []string{hops[0].SourceType}
	for _, h := range hops {
		types = append(types, h.TargetType)
	}
	return types
}
