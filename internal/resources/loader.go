package resources

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Kinds of resource definitions.
const (
	KindStatic = "static"
	KindHTTP   = "http"
)

// Definition is one entry of a resources document.
type Definition struct {
	Name         string                  `yaml:"name"`
	Priority     int                     `yaml:"priority"`
	Kind         string                  `yaml:"kind"`
	Capabilities []capability.Capability `yaml:"capabilities"`

	// static
	File     string          `yaml:"file,omitempty"`
	Mappings []StaticMapping `yaml:"mappings,omitempty"`

	// http
	URL               string            `yaml:"url,omitempty"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	DefaultConfidence float64           `yaml:"default_confidence,omitempty"`
}

// Document is the top level of a resources file.
type Document struct {
	Resources []Definition `yaml:"resources"`
}

// LoadFile parses a resources YAML document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read resources file: %v", err).WithCause(err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse resources file %s: %v", path, err).WithCause(err)
	}
	return &doc, nil
}

// Register builds a resolver for every definition, adds it to the catalog and
// registers its capabilities. Relative static files resolve against baseDir;
// header values undergo environment expansion.
func Register(doc *Document, baseDir string, client *http.Client, catalog *Catalog, reg *capability.Registry) error {
	for i, def := range doc.Resources {
		if def.Name == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "resources[%d]: name is required", i)
		}

		var (
			r    Resolver
			caps = def.Capabilities
		)
		switch def.Kind {
		case KindStatic, "":
			rows := append([]StaticMapping(nil), def.Mappings...)
			if def.File != "" {
				path := def.File
				if !filepath.IsAbs(path) {
					path = filepath.Join(baseDir, path)
				}
				fromFile, err := LoadStaticCSV(path)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeConfiguration, "resource %q: %v", def.Name, err).WithCause(err)
				}
				rows = append(rows, fromFile...)
			}
			s := NewStatic(def.Name, rows)
			if len(caps) == 0 {
				caps = s.Capabilities()
			}
			r = s
		case KindHTTP:
			headers := make(map[string]string, len(def.Headers))
			for k, v := range def.Headers {
				headers[k] = os.ExpandEnv(v)
			}
			h, err := NewHTTPResource(HTTPConfig{
				Name:              def.Name,
				URLTemplate:       def.URL,
				Headers:           headers,
				DefaultConfidence: def.DefaultConfidence,
				Client:            client,
			})
			if err != nil {
				return err
			}
			if len(caps) == 0 {
				return schema.NewErrorf(schema.ErrCodeConfiguration, "resource %q: http resources must declare capabilities", def.Name)
			}
			r = h
		default:
			return schema.NewErrorf(schema.ErrCodeConfiguration, "resource %q: unknown kind %q", def.Name, def.Kind)
		}

		if err := catalog.Add(r); err != nil {
			return err
		}
		if err := reg.RegisterResource(capability.Resource{
			Name:         def.Name,
			Priority:     def.Priority,
			Capabilities: caps,
		}); err != nil {
			return fmt.Errorf("register %q: %w", def.Name, err)
		}
	}
	return nil
}
