package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Warning records a non-fatal failure of an optional step.
type Warning struct {
	Step    string    `json:"step"`
	Action  string    `json:"action"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExecutionContext is the shared workspace of a single strategy run.
// It is created fresh per run and never shared across runs. Steps work on a
// Fork that is committed back on success; the mutex covers actions that fan
// out internally and writes from an abandoned action to its fork.
type ExecutionContext struct {
	mu          sync.RWMutex
	datasets    map[string]*Dataset
	statistics  map[string]any
	artifacts   []string
	identifiers []string
	warnings    []Warning
}

// NewExecutionContext returns an empty workspace.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		datasets:   make(map[string]*Dataset),
		statistics: make(map[string]any),
	}
}

// Dataset returns the named dataset.
func (c *ExecutionContext) Dataset(key string) (*Dataset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.datasets[key]
	return d, ok
}

// SetDataset stores (or overwrites) a named dataset.
func (c *ExecutionContext) SetDataset(key string, d *Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[key] = d
}

// DatasetKeys returns the dataset names, sorted.
func (c *ExecutionContext) DatasetKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.datasets))
	for k := range c.datasets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Statistic returns a named statistic.
func (c *ExecutionContext) Statistic(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.statistics[key]
	return v, ok
}

// SetStatistic stores a numeric or string statistic.
func (c *ExecutionContext) SetStatistic(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statistics[key] = v
}

// Statistics returns a copy of all statistics.
func (c *ExecutionContext) Statistics() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.statistics))
	for k, v := range c.statistics {
		out[k] = v
	}
	return out
}

// AddArtifact appends an output artifact path.
func (c *ExecutionContext) AddArtifact(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, path)
}

// Artifacts returns the output artifact paths in creation order.
func (c *ExecutionContext) Artifacts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.artifacts...)
}

// SetIdentifiers replaces the current identifier set.
func (c *ExecutionContext) SetIdentifiers(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identifiers = append([]string(nil), ids...)
}

// Identifiers returns the current identifier set in order.
func (c *ExecutionContext) Identifiers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.identifiers...)
}

// AddWarning records a warning and keeps statistics["warnings"] in sync.
func (c *ExecutionContext) AddWarning(w Warning) {
	if w.At.IsZero() {
		w.At = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, w)
	c.statistics["warnings"] = len(c.warnings)
}

// Warnings returns recorded warnings in order.
func (c *ExecutionContext) Warnings() []Warning {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Warning(nil), c.warnings...)
}

// Snapshot is a serializable view of the workspace.
type Snapshot struct {
	Datasets    map[string]*Dataset `json:"datasets"`
	Statistics  map[string]any      `json:"statistics"`
	Artifacts   []string            `json:"output_artifacts,omitempty"`
	Identifiers []string            `json:"current_identifiers,omitempty"`
	Warnings    []Warning           `json:"warnings,omitempty"`
}

// Snapshot copies the workspace for reporting or persistence.
func (c *ExecutionContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds := make(map[string]*Dataset, len(c.datasets))
	for k, v := range c.datasets {
		ds[k] = v.Clone()
	}
	stats := make(map[string]any, len(c.statistics))
	for k, v := range c.statistics {
		stats[k] = v
	}
	return Snapshot{
		Datasets:    ds,
		Statistics:  stats,
		Artifacts:   append([]string(nil), c.artifacts...),
		Identifiers: append([]string(nil), c.identifiers...),
		Warnings:    append([]Warning(nil), c.warnings...),
	}
}

// Summary returns shape-only information suitable for expressions and logs:
// dataset row counts and statistics.
func (c *ExecutionContext) Summary() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds := make(map[string]any, len(c.datasets))
	for k, v := range c.datasets {
		ds[k] = map[string]any{"rows": v.Len(), "columns": append([]string(nil), v.Columns...)}
	}
	stats := make(map[string]any, len(c.statistics))
	for k, v := range c.statistics {
		stats[k] = v
	}
	return map[string]any{
		"datasets":    ds,
		"statistics":  stats,
		"identifiers": len(c.identifiers),
	}
}

// Fork returns an independent copy of the workspace. Writes to the fork are
// invisible to c until they are merged back with Commit.
func (c *ExecutionContext) Fork() *ExecutionContext {
	snap := c.Snapshot()
	return &ExecutionContext{
		datasets:    snap.Datasets,
		statistics:  snap.Statistics,
		artifacts:   snap.Artifacts,
		identifiers: snap.Identifiers,
		warnings:    snap.Warnings,
	}
}

// Commit replaces the workspace with the state of a fork. The fork is left
// empty and must not be used afterwards.
func (c *ExecutionContext) Commit(fork *ExecutionContext) {
	if fork == nil || fork == c {
		return
	}
	fork.mu.Lock()
	datasets, statistics := fork.datasets, fork.statistics
	artifacts, identifiers, warnings := fork.artifacts, fork.identifiers, fork.warnings
	fork.datasets = make(map[string]*Dataset)
	fork.statistics = make(map[string]any)
	fork.artifacts, fork.identifiers, fork.warnings = nil, nil, nil
	fork.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets = datasets
	c.statistics = statistics
	c.artifacts = artifacts
	c.identifiers = identifiers
	c.warnings = warnings
}
