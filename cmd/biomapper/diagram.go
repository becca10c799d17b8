package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/biomapper/biomapper/internal/diagram"
	"github.com/biomapper/biomapper/internal/strategy"
	"github.com/biomapper/biomapper/pkg/schema"
)

const formatMermaid = "mermaid"

// --- diagram ---

func runDiagram(cfg Config, args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", formatMermaid, "output format: mermaid, dot, svg or png")
	out := fs.String("o", "", "write to file instead of stdout")
	caps := fs.Bool("capabilities", false, "draw the registered capability graph")
	from := fs.String("from", "", "draw the metamapping path from this ontology type")
	to := fs.String("to", "", "draw the metamapping path to this ontology type")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	var model *diagram.DiagramModel
	switch {
	case *caps || *from != "" || *to != "":
		a, err := newApp(ctx, cfg)
		if err != nil {
			return errorf("%v", err)
		}
		defer a.Close()
		if *caps {
			model = diagram.FromCapabilities(a.caps.Resources())
			break
		}
		pr := a.mapper.FindPath(*from, *to)
		if !pr.Found {
			return errorf("no path from %s to %s", *from, *to)
		}
		model = diagram.FromPath(pr.Path)

	case fs.NArg() == 1:
		s, err := loadStrategy(cfg, fs.Arg(0))
		if err != nil {
			return errorf("%v", err)
		}
		if model, err = diagram.FromStrategy(s); err != nil {
			return errorf("%v", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "usage: biomapper diagram [-format F] [-o file] <strategy|file> | -capabilities | -from T -to T")
		return 2
	}

	if err := writeDiagram(ctx, model, *format, *out); err != nil {
		return errorf("%v", err)
	}
	return 0
}

// loadStrategy resolves target as a strategy file or, failing that, as a
// strategy name in the configured strategies directory.
func loadStrategy(cfg Config, target string) (*schema.Strategy, error) {
	_, docs, err := offlineRegistry()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(target); statErr == nil && strategy.IsStrategyFile(target) {
		return strategy.LoadFile(target, docs)
	}
	lib := strategy.NewLibrary()
	if err := lib.LoadDir(cfg.StrategiesDir, docs); err != nil {
		return nil, err
	}
	return lib.Get(target)
}

// formatForPath picks a render format from a file extension.
func formatForPath(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".dot", ".gv":
		return string(diagram.FormatDOT)
	case ".svg", ".png":
		return strings.TrimPrefix(ext, ".")
	default:
		return formatMermaid
	}
}

func writeDiagram(ctx context.Context, model *diagram.DiagramModel, format, out string) error {
	var data []byte
	if format == formatMermaid {
		data = []byte(diagram.RenderMermaid(model))
	} else {
		rendered, err := diagram.Render(ctx, model, diagram.Format(format))
		if err != nil {
			return err
		}
		data = rendered
	}

	if out == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	return nil
}
