package metamapping

import (
	"strings"

	"github.com/biomapper/biomapper/internal/capability"
)

// PathStep is one hop of a mapping path and its candidate resources, best first.
type PathStep struct {
	SourceType string                `json:"source_type"`
	TargetType string                `json:"target_type"`
	Resources  []capability.Resource `json:"candidate_resources"`
}

// Path is an ordered chain of hops from a source type to a target type.
type Path struct {
	Steps []PathStep `json:"steps"`
}

// Len returns the number of hops.
func (p Path) Len() int { return len(p.Steps) }

// Types returns the ontology types visited, source first.
func (p Path) Types() []string {
	if len(p.Steps) == 0 {
		return nil
	}
	types := make([]string, 0, len(p.Steps)+1)
	types = append(types, p.Steps[0].SourceType)
	for _, s := range p.Steps {
		types = append(types, s.TargetType)
	}
	return types
}

// String renders the path as "A -> B -> C".
func (p Path) String() string {
	return strings.Join(p.Types(), " -> ")
}

// PathResult is the outcome of path discovery. Found is false when no path
// exists within the configured bound.
type PathResult struct {
	Path  Path `json:"path"`
	Found bool `json:"found"`
}

type searchNode struct {
	typ  string
	path []PathStep
}

// FindPath searches the capability graph breadth-first for the path with the
// fewest hops from sourceType to targetType. Types are expanded in the
// registry's first-seen order, so the result is deterministic for a fixed
// registry. A source equal to the target has no path.
func (e *Engine) FindPath(sourceType, targetType string) PathResult {
	if sourceType == targetType {
		e.cfg.Metrics.ObservePathLookup(false)
		return PathResult{}
	}

	key := [2]string{sourceType, targetType}
	e.pathMu.RLock()
	types, ok := e.paths[key]
	e.pathMu.RUnlock()
	if ok {
		if p, ok := e.materialize(types); ok {
			e.cfg.Metrics.ObservePathLookup(true)
			return PathResult{Path: p, Found: true}
		}
	}

	p, found := e.search(sourceType, targetType)
	e.cfg.Metrics.ObservePathLookup(found)
	if !found {
		return PathResult{}
	}

	e.pathMu.Lock()
	e.paths[key] = p.Types()
	e.pathMu.Unlock()
	return PathResult{Path: p, Found: true}
}

func (e *Engine) search(sourceType, targetType string) (Path, bool) {
	all := e.caps.OntologyTypes()
	visited := map[string]bool{sourceType: true}
	queue := []searchNode{{typ: sourceType}}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if n.typ == targetType && len(n.path) > 0 {
			return Path{Steps: n.path}, true
		}
		if len(n.path) >= e.cfg.MaxPathLength {
			continue
		}

		for _, next := range all {
			if visited[next] {
				continue
			}
			candidates := e.caps.FindResources(n.typ, next)
			if len(candidates) == 0 {
				continue
			}
			extended := make([]PathStep, len(n.path), len(n.path)+1)
			copy(extended, n.path)
			extended = append(extended, PathStep{SourceType: n.typ, TargetType: next, Resources: candidates})

			visited[next] = true
			queue = append(queue, searchNode{typ: next, path: extended})
		}
	}
	return Path{}, false
}

// materialize rebuilds a remembered type sequence with the current candidate
// ordering. It fails if a hop lost all its resources.
func (e *Engine) materialize(types []string) (Path, bool) {
	steps := make([]PathStep, 0, len(types)-1)
	for i := 0; i+1 < len(types); i++ {
		candidates := e.caps.FindResources(types[i], types[i+1])
		if len(candidates) == 0 {
			return Path{}, false
		}
		steps = append(steps, PathStep{SourceType: types[i], TargetType: types[i+1], Resources: candidates})
	}
	return Path{Steps: steps}, true
}
