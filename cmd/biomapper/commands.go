package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/biomapper/biomapper/internal/actions"
	"github.com/biomapper/biomapper/internal/diagram"
	"github.com/biomapper/biomapper/internal/engine"
	"github.com/biomapper/biomapper/internal/scheduler"
	"github.com/biomapper/biomapper/internal/store"
	"github.com/biomapper/biomapper/internal/strategy"
	"github.com/biomapper/biomapper/internal/streaming"
	"github.com/biomapper/biomapper/internal/validation"
	"github.com/biomapper/biomapper/pkg/schema"
)

// paramFlags collects repeatable -set key=value flags. Values are decoded as
// YAML scalars so numbers and booleans keep their type.
type paramFlags map[string]any

func (p *paramFlags) String() string {
	if p == nil || *p == nil {
		return ""
	}
	keys := make([]string, 0, len(*p))
	for k := range *p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, (*p)[k])
	}
	return strings.Join(parts, ",")
}

func (p *paramFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		v = raw
	}
	if *p == nil {
		*p = paramFlags{}
	}
	(*p)[key] = v
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func errorf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return 1
}

// offlineRegistry registers the built-in actions without their runtime
// dependencies; enough for listing and validating.
func offlineRegistry() (*actions.Registry, *validation.JSONSchemaValidator, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, nil, err
	}
	reg := actions.NewRegistry(v)
	if err := actions.RegisterBuiltins(reg, actions.Deps{}); err != nil {
		return nil, nil, err
	}
	return reg, v, nil
}

// --- run ---

func runStrategy(cfg Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var overrides paramFlags
	fs.Var(&overrides, "set", "parameter override key=value (repeatable)")
	outputDir := fs.String("output-dir", "", "directory for exported datasets (overrides output_dir)")
	follow := fs.Bool("follow", false, "print run events to stderr as they happen")
	diagramOut := fs.String("diagram", "", "write a diagram of the run to this file (.mmd, .dot, .svg or .png)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: biomapper run [-set key=value]... <strategy|file>")
		return 2
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return errorf("%v", err)
	}
	defer a.Close()

	if *follow {
		stopFollow, err := followEvents(ctx, a.events)
		if err != nil {
			return errorf("%v", err)
		}
		defer stopFollow()
	}

	target := fs.Arg(0)
	var (
		s   *schema.Strategy
		res *engine.RunResult
	)
	if _, statErr := os.Stat(target); statErr == nil && strategy.IsStrategyFile(target) {
		if s, err = strategy.LoadFile(target, a.schema); err != nil {
			return errorf("%v", err)
		}
		res, err = a.engine.Run(ctx, s, overrides, nil)
	} else {
		s, _ = a.library.Get(target)
		res, err = a.engine.ExecuteStrategy(ctx, target, overrides)
	}

	if res != nil {
		printJSON(runReport(res))
		if *diagramOut != "" && s != nil {
			if dErr := writeRunDiagram(ctx, s, res, *diagramOut); dErr != nil {
				a.logger.Error("write run diagram", "error", dErr)
			}
		}
	}
	if err != nil {
		return errorf("%v", err)
	}
	return 0
}

// followEvents prints every published run event to stderr until the
// returned stop function is called.
func followEvents(ctx context.Context, hub streaming.EventHub) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(os.Stderr, formatEvent(ev))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func formatEvent(ev streaming.StreamEvent) string {
	line := fmt.Sprintf("[%s] %s", ev.Strategy, ev.EventType)
	if ev.Step != "" {
		line += " " + ev.Step
	}
	if m, ok := ev.Payload.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			line += ": " + msg
		}
	}
	if err, ok := ev.Payload.(error); ok {
		line += ": " + err.Error()
	}
	return line
}

func writeRunDiagram(ctx context.Context, s *schema.Strategy, res *engine.RunResult, out string) error {
	model, err := diagram.FromRun(s, res)
	if err != nil {
		return err
	}
	return writeDiagram(ctx, model, formatForPath(out), out)
}

func runReport(res *engine.RunResult) map[string]any {
	report := map[string]any{
		"run_id":       res.RunID,
		"strategy":     res.Strategy,
		"status":       res.Status,
		"steps":        res.Steps,
		"started_at":   res.StartedAt,
		"completed_at": res.CompletedAt,
	}
	if res.Error != nil {
		report["error"] = res.Error
	}
	if res.Context != nil {
		report["summary"] = res.Context.Summary()
		if artifacts := res.Context.Artifacts(); len(artifacts) > 0 {
			report["output_artifacts"] = artifacts
		}
		if warnings := res.Context.Warnings(); len(warnings) > 0 {
			report["warnings"] = warnings
		}
	}
	return report
}

// --- validate ---

func runValidate(_ Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: biomapper validate <file|dir>...")
		return 2
	}
	reg, docs, err := offlineRegistry()
	if err != nil {
		return errorf("%v", err)
	}
	sv := validation.NewStrategyValidator(reg)

	code := 0
	for _, target := range args {
		strategies, err := collectStrategies(target, docs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", target, err)
			code = 1
			continue
		}
		for _, s := range strategies {
			res := sv.Validate(s)
			for _, w := range res.Warnings {
				fmt.Printf("%s: warning: %s: %s\n", s.Name, w.Path(), w.Message)
			}
			for _, e := range res.Errors {
				fmt.Printf("%s: error: %s: [%s] %s\n", s.Name, e.Path(), e.Code, e.Message)
			}
			if !res.Valid() {
				code = 1
				continue
			}
			fmt.Printf("%s: ok (%d steps)\n", s.Name, len(s.Steps))
		}
	}
	return code
}

func collectStrategies(target string, docs strategy.DocumentValidator) ([]*schema.Strategy, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		s, err := strategy.LoadFile(target, docs)
		if err != nil {
			return nil, err
		}
		return []*schema.Strategy{s}, nil
	}

	lib := strategy.NewLibrary()
	if err := lib.LoadDir(target, docs); err != nil {
		return nil, err
	}
	out := make([]*schema.Strategy, 0, lib.Len())
	for _, name := range lib.Names() {
		s, err := lib.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// --- actions ---

func runActions(_ Config, args []string) int {
	fs := flag.NewFlagSet("actions", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print descriptors including param schemas as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	reg, _, err := offlineRegistry()
	if err != nil {
		return errorf("%v", err)
	}
	if *asJSON {
		printJSON(reg.List())
		return 0
	}
	for _, info := range reg.List() {
		fmt.Printf("%-24s %s\n", info.Type, info.Description)
	}
	return 0
}

// --- resolve ---

func runResolve(cfg Config, args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	from := fs.String("from", "", "source ontology type")
	to := fs.String("to", "", "target ontology type")
	pathOnly := fs.Bool("path", false, "print the discovered path without resolving")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "usage: biomapper resolve -from TYPE -to TYPE [ids...] (ids read from stdin when omitted)")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return errorf("%v", err)
	}
	defer a.Close()

	if *pathOnly {
		pr := a.mapper.FindPath(*from, *to)
		if !pr.Found {
			return errorf("no path from %s to %s", *from, *to)
		}
		fmt.Println(pr.Path.String())
		return 0
	}

	ids := fs.Args()
	if len(ids) == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if id := strings.TrimSpace(sc.Text()); id != "" {
				ids = append(ids, id)
			}
		}
		if err := sc.Err(); err != nil {
			return errorf("read identifiers: %v", err)
		}
	}

	results, err := a.mapper.ResolveBatch(ctx, ids, *from, *to)
	if err != nil {
		return errorf("%v", err)
	}
	printJSON(results)
	return 0
}

// --- schedule ---

func runSchedule(cfg Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: biomapper schedule add|list|remove|serve")
		return 2
	}
	sub, rest := args[0], args[1:]

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return errorf("%v", err)
	}
	defer a.Close()
	sched := scheduler.NewScheduler(a.store, a.engine, a.logger)

	switch sub {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
		name := fs.String("strategy", "", "strategy name")
		expr := fs.String("cron", "", "5-field cron expression")
		var overrides paramFlags
		fs.Var(&overrides, "set", "parameter override key=value (repeatable)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if _, err := a.library.Get(*name); err != nil {
			return errorf("%v", err)
		}
		job, err := sched.Schedule(ctx, *name, *expr, overrides)
		if err != nil {
			return errorf("%v", err)
		}
		printJSON(job)
		return 0

	case "list":
		jobs, err := a.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
		if err != nil {
			return errorf("%v", err)
		}
		printJSON(jobs)
		return 0

	case "remove":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: biomapper schedule remove <job-id>")
			return 2
		}
		if err := a.store.DeleteScheduledJob(ctx, rest[0]); err != nil {
			return errorf("%v", err)
		}
		return 0

	case "serve":
		a.serveMetrics(ctx)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Error("recover missed jobs", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return errorf("%v", err)
		}
		<-ctx.Done()
		_ = sched.Stop()
		return 0

	default:
		return errorf("unknown schedule command %q", sub)
	}
}
