package strategy

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/biomapper/biomapper/pkg/schema"
)

// Library holds loaded strategies by name.
type Library struct {
	mu         sync.RWMutex
	strategies map[string]*schema.Strategy
	sources    map[string]string
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{
		strategies: make(map[string]*schema.Strategy),
		sources:    make(map[string]string),
	}
}

// Add stores s under its name. source is informational (e.g. the file path).
func (l *Library) Add(s *schema.Strategy, source string) error {
	if s == nil || s.Name == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "strategy has no name")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, exists := l.sources[s.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "strategy %q already loaded from %s", s.Name, prev)
	}
	l.strategies[s.Name] = s
	l.sources[s.Name] = source
	return nil
}

// Get returns the named strategy.
func (l *Library) Get(name string) (*schema.Strategy, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.strategies[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "strategy %q not found", name)
	}
	return s, nil
}

// Names returns the strategy names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.strategies))
	for n := range l.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded strategies.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.strategies)
}

// LoadDir adds every strategy file directly under dir, in file name order.
// The first invalid file aborts loading.
func (l *Library) LoadDir(dir string, v DocumentValidator) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "read strategies dir: %v", err).WithCause(err)
	}
	for _, e := range entries {
		if e.IsDir() || !IsStrategyFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := LoadFile(path, v)
		if err != nil {
			return err
		}
		if err := l.Add(s, path); err != nil {
			return err
		}
	}
	return nil
}
