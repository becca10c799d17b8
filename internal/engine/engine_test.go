package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomapper/biomapper/internal/actions"
	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/internal/expressions"
	"github.com/biomapper/biomapper/internal/metamapping"
	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/internal/resources"
	"github.com/biomapper/biomapper/internal/store"
	"github.com/biomapper/biomapper/internal/strategy"
	"github.com/biomapper/biomapper/internal/streaming"
	"github.com/biomapper/biomapper/internal/validation"
	"github.com/biomapper/biomapper/pkg/schema"
)

type funcAction func(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error)

func (f funcAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
	return f(ctx, params, ec)
}

func register(t *testing.T, reg *actions.Registry, typ string, fn funcAction) {
	t.Helper()
	require.NoError(t, reg.Register(actions.Descriptor{
		Type:    typ,
		Factory: func() actions.Action { return fn },
	}))
}

// testRegistry registers:
//
//	test.set   writes statistics[params.key] = params.value
//	test.fail  always fails with ACTION_EXECUTION_ERROR
//	test.echo  stores its resolved params in *echoed
func testRegistry(t *testing.T, calls *atomic.Int32, echoed *map[string]any) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry(nil)
	register(t, reg, "test.set", func(_ context.Context, p map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
		calls.Add(1)
		ec.SetStatistic(p["key"].(string), p["value"])
		return actions.Succeeded("set", nil), nil
	})
	register(t, reg, "test.fail", func(context.Context, map[string]any, *pipeline.ExecutionContext) (*actions.Result, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeActionExecution, "boom")
	})
	register(t, reg, "test.echo", func(_ context.Context, p map[string]any, _ *pipeline.ExecutionContext) (*actions.Result, error) {
		calls.Add(1)
		if echoed != nil {
			*echoed = p
		}
		return actions.Succeeded("echo", p), nil
	})
	return reg
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func optional() *bool {
	f := false
	return &f
}

func setStep(name, key string, value any) schema.Step {
	return schema.Step{Name: name, Action: schema.ActionRef{Type: "test.set", Params: map[string]any{"key": key, "value": value}}}
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestRun_UnknownActionFailsBeforeAnyStep(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		setStep("first", "a", 1),
		{Name: "second", Action: schema.ActionRef{Type: "nope.missing"}},
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Zero(t, calls.Load())

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeUnknownActionType, se.Code)
	assert.Equal(t, "second", se.Step)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestRun_RequiredFailureHalts(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		setStep("a", "a", 1),
		{Name: "b", Action: schema.ActionRef{Type: "test.fail"}},
		setStep("c", "c", 3),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.Error(t, err)
	require.NotNil(t, res)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "b", stepErr.Step)
	assert.True(t, stepErr.Fatal)
	assert.Equal(t, schema.ErrCodeActionExecution, schema.CodeOf(err))

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.False(t, res.Succeeded())
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, schema.StepStatusFailed, res.Steps[1].Status)
	assert.Equal(t, int32(2), calls.Load())

	v, ok := res.Context.Statistic("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = res.Context.Statistic("c")
	assert.False(t, ok)
}

func TestRun_OptionalFailureWarns(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		setStep("a", "a", 1),
		{Name: "b", Action: schema.ActionRef{Type: "test.fail"}, IsRequired: optional()},
		setStep("c", "c", 3),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)
	assert.True(t, res.Succeeded())
	require.Len(t, res.Steps, 3)
	assert.Equal(t, schema.StepStatusWarning, res.Steps[1].Status)
	assert.Equal(t, "boom", res.Steps[1].Message)

	warnings := res.Context.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "b", warnings[0].Step)
	assert.Equal(t, "test.fail", warnings[0].Action)
	n, _ := res.Context.Statistic("warnings")
	assert.Equal(t, 1, n)

	_, ok := res.Context.Statistic("c")
	assert.True(t, ok)
}

func TestRun_AllSucceed(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{setStep("a", "a", 1), setStep("b", "b", 2)}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))

	sr, ok := res.Step("b")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusCompleted, sr.Status)
	assert.Equal(t, "set", sr.Message)
}

func TestRun_InterpolatesParams(t *testing.T) {
	var calls atomic.Int32
	var echoed map[string]any
	env := map[string]string{"DATA_DIR": "/data"}
	e := newEngine(t, Config{
		Registry: testRegistry(t, &calls, &echoed),
		Interpolator: expressions.NewInterpolatorWithEnv(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}),
	})

	s := &schema.Strategy{
		Name:       "harmonize",
		Parameters: map[string]any{"input_file": "${env.DATA_DIR}/in.csv", "threshold": 0.8, "limit": 10},
		Metadata:   map[string]any{"owner": "lab"},
		Steps: []schema.Step{{Name: "echo", Action: schema.ActionRef{Type: "test.echo", Params: map[string]any{
			"path":      "${parameters.input_file}",
			"threshold": "${threshold}",
			"limit":     "${parameters.limit}",
			"label":     "${metadata.strategy} by ${metadata.owner}",
			"fallback":  "${parameters.missing:-none}",
		}}}},
	}
	res, err := e.Run(context.Background(), s, map[string]any{"limit": 25}, nil)
	require.NoError(t, err)

	assert.Equal(t, "/data/in.csv", echoed["path"])
	assert.Equal(t, 0.8, echoed["threshold"])
	assert.Equal(t, 25, echoed["limit"])
	assert.Equal(t, "harmonize by lab", echoed["label"])
	assert.Equal(t, "none", echoed["fallback"])
	assert.Equal(t, 25, res.Parameters["limit"])
	assert.Equal(t, 10, s.Parameters["limit"])
}

func TestRun_UnresolvedReferenceIsFatal(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{
		Registry:     testRegistry(t, &calls, nil),
		Interpolator: expressions.NewInterpolatorWithEnv(func(string) (string, bool) { return "", false }),
	})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "echo", IsRequired: optional(), Action: schema.ActionRef{Type: "test.echo", Params: map[string]any{
			"path": "${parameters.nowhere}",
		}}},
		setStep("after", "after", true),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Zero(t, calls.Load())
}

func TestRun_UnresolvedParameterFailsPreflight(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{
		Registry:     testRegistry(t, &calls, nil),
		Interpolator: expressions.NewInterpolatorWithEnv(func(string) (string, bool) { return "", false }),
	})

	s := &schema.Strategy{
		Name:       "s",
		Parameters: map[string]any{"dir": "${env.UNSET_DIR}"},
		Steps:      []schema.Step{setStep("a", "a", 1)},
	}
	res, err := e.Run(context.Background(), s, nil, nil)
	assert.Nil(t, res)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err))
	assert.Zero(t, calls.Load())
}

func TestRun_Conditions(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	s := &schema.Strategy{
		Name:       "s",
		Parameters: map[string]any{"mode": "full"},
		Steps: []schema.Step{
			setStep("count", "count", 2),
			func() schema.Step {
				st := setStep("big", "big", true)
				st.Condition = "statistics.count > 5"
				return st
			}(),
			func() schema.Step {
				st := setStep("full", "full", true)
				st.Condition = `parameters.mode == "full" && metadata.strategy == "s"`
				return st
			}(),
		},
	}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	big, _ := res.Step("big")
	assert.Equal(t, schema.StepStatusSkipped, big.Status)
	full, _ := res.Step("full")
	assert.Equal(t, schema.StepStatusCompleted, full.Status)

	_, ok := res.Context.Statistic("big")
	assert.False(t, ok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_InvalidConditionIsFatal(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	st := setStep("a", "a", 1)
	st.Condition = "statistics.count >"
	st.IsRequired = optional()
	res, err := e.Run(context.Background(), &schema.Strategy{Name: "s", Steps: []schema.Step{st}}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
}

func TestRun_StepTimeout(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	register(t, reg, "test.slow", func(ctx context.Context, _ map[string]any, _ *pipeline.ExecutionContext) (*actions.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newEngine(t, Config{Registry: reg})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "slow", Action: schema.ActionRef{Type: "test.slow"}, Timeout: "20ms"},
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
}

func TestRun_DefaultStepTimeoutWithUncooperativeAction(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	release := make(chan struct{})
	wrote := make(chan struct{})
	register(t, reg, "test.stuck", func(_ context.Context, _ map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
		<-release
		ec.SetStatistic("late_write", true)
		ec.SetDataset("C", pipeline.NewDataset([]string{"id"}, []map[string]any{{"id": "late"}}))
		close(wrote)
		return actions.Succeeded("late", nil), nil
	})
	e := newEngine(t, Config{Registry: reg, DefaultStepTimeout: 20 * time.Millisecond})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "stuck", Action: schema.ActionRef{Type: "test.stuck"}, IsRequired: optional()},
		setStep("after", "after", true),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)
	assert.Contains(t, res.Context.Warnings()[0].Message, "timed out")

	before := res.Context.Snapshot()
	close(release)
	select {
	case <-wrote:
	case <-time.After(time.Second):
		t.Fatal("stuck action never finished")
	}

	assert.Equal(t, before, res.Context.Snapshot())
	_, ok := res.Context.Statistic("late_write")
	assert.False(t, ok)
	_, ok = res.Context.Dataset("C")
	assert.False(t, ok)
}

func TestRun_FailedStepLeavesNoPartialWrites(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	register(t, reg, "test.partial", func(_ context.Context, _ map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
		ec.SetStatistic("partial", true)
		ec.SetDataset("half", pipeline.NewDataset([]string{"id"}, nil))
		return nil, schema.NewError(schema.ErrCodeActionExecution, "half way")
	})
	e := newEngine(t, Config{Registry: reg})

	res, err := e.Run(context.Background(), &schema.Strategy{Name: "s", Steps: []schema.Step{
		setStep("a", "a", 1),
		{Name: "partial", Action: schema.ActionRef{Type: "test.partial"}, IsRequired: optional()},
	}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)

	_, ok := res.Context.Statistic("partial")
	assert.False(t, ok)
	assert.Empty(t, res.Context.DatasetKeys())
	v, _ := res.Context.Statistic("a")
	assert.Equal(t, 1, v)
}

func TestRun_StepsObservePriorState(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	register(t, reg, "test.mark", func(_ context.Context, p map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
		idx := p["index"].(int)
		var seen []int
		if v, ok := ec.Statistic("order"); ok {
			seen = v.([]int)
		}
		want := make([]int, 0, idx)
		for i := 0; i < idx; i++ {
			want = append(want, i)
		}
		if len(seen) != len(want) {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "step %d saw %v", idx, seen)
		}
		for i := range want {
			if seen[i] != want[i] {
				return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "step %d saw %v", idx, seen)
			}
		}
		ec.SetStatistic("order", append(append([]int(nil), seen...), idx))
		return actions.Succeeded("marked", nil), nil
	})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	register(t, reg, "test.stuck", func(_ context.Context, _ map[string]any, ec *pipeline.ExecutionContext) (*actions.Result, error) {
		<-release
		ec.SetStatistic("order", []int{99})
		return actions.Succeeded("late", nil), nil
	})
	e := newEngine(t, Config{Registry: reg, DefaultStepTimeout: 50 * time.Millisecond})

	mark := func(i int) schema.Step {
		return schema.Step{
			Name:   fmt.Sprintf("mark_%d", i),
			Action: schema.ActionRef{Type: "test.mark", Params: map[string]any{"index": i}},
		}
	}
	s := &schema.Strategy{Name: "ordered", Steps: []schema.Step{
		mark(0),
		mark(1),
		{Name: "stuck", Action: schema.ActionRef{Type: "test.stuck"}, IsRequired: optional()},
		mark(2),
		mark(3),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)
	require.Len(t, res.Steps, 5)
	for _, name := range []string{"mark_0", "mark_1", "mark_2", "mark_3"} {
		sr, ok := res.Step(name)
		require.True(t, ok)
		assert.Equal(t, schema.StepStatusCompleted, sr.Status, name)
	}

	order, ok := res.Context.Statistic("order")
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestRun_OptionalStepMissingDependencyHalts(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Deps{}))
	e := newEngine(t, Config{Registry: reg})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "resolve", IsRequired: optional(), Action: schema.ActionRef{
			Type:   "identifiers.resolve",
			Params: map[string]any{"source_type": "HMDB", "target_type": "PUBCHEM", "output_key": "out"},
		}},
		setStep("after", "after", true),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
	assert.True(t, schema.IsConfigurationError(err))

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Empty(t, res.Context.Warnings())
	assert.Zero(t, calls.Load())
}

func TestRun_OptionalStepInvalidParamsWarns(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Deps{}))
	e := newEngine(t, Config{Registry: reg})

	s := &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "filter", IsRequired: optional(), Action: schema.ActionRef{
			Type:   "dataset.filter",
			Params: map[string]any{"input_key": "in"},
		}},
		setStep("after", "after", true),
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)
	assert.Equal(t, schema.ErrCodeActionExecution, res.Steps[0].Error.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_ResultFailureIsStepFailure(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, &calls, nil)
	register(t, reg, "test.soft", func(context.Context, map[string]any, *pipeline.ExecutionContext) (*actions.Result, error) {
		return actions.Failed("nothing to do"), nil
	})
	e := newEngine(t, Config{Registry: reg})

	res, err := e.Run(context.Background(), &schema.Strategy{Name: "s", Steps: []schema.Step{
		{Name: "soft", Action: schema.ActionRef{Type: "test.soft"}},
	}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, res.Steps[0].Message, "nothing to do")
}

func TestRun_Cancelled(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Run(ctx, &schema.Strategy{Name: "s", Steps: []schema.Step{setStep("a", "a", 1)}}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Zero(t, calls.Load())
}

func TestRun_InitialContext(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})

	ec := pipeline.NewExecutionContext()
	ec.SetStatistic("seeded", true)
	res, err := e.Run(context.Background(), &schema.Strategy{Name: "s", Steps: []schema.Step{setStep("a", "a", 1)}}, nil, ec)
	require.NoError(t, err)
	assert.Same(t, ec, res.Context)
	v, _ := ec.Statistic("a")
	assert.Equal(t, 1, v)
}

func TestExecuteStrategy(t *testing.T) {
	var calls atomic.Int32
	lib := strategy.NewLibrary()
	require.NoError(t, lib.Add(&schema.Strategy{Name: "stored", Steps: []schema.Step{setStep("a", "a", 1)}}, "mem"))
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil), Library: lib})

	res, err := e.ExecuteStrategy(context.Background(), "stored", nil)
	require.NoError(t, err)
	assert.Equal(t, "stored", res.Strategy)

	_, err = e.ExecuteStrategy(context.Background(), "missing", nil)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	noLib := newEngine(t, Config{Registry: testRegistry(t, &calls, nil)})
	_, err = noLib.ExecuteStrategy(context.Background(), "stored", nil)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestRun_PersistsRunAndEvents(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil), Store: st})

	s := &schema.Strategy{Name: "persisted", Steps: []schema.Step{
		setStep("a", "a", 1),
		{Name: "b", Action: schema.ActionRef{Type: "test.fail"}, IsRequired: optional()},
		func() schema.Step {
			x := setStep("c", "c", 1)
			x.Condition = "false"
			return x
		}(),
	}}
	res, err := e.Run(context.Background(), s, map[string]any{"p": "v"}, nil)
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", run.Strategy)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, run.Status)
	assert.Equal(t, "v", run.Parameters["p"])
	assert.NotNil(t, run.CompletedAt)
	assert.NotEmpty(t, run.Summary)

	events, err := st.GetEvents(context.Background(), res.RunID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepWarning,
		schema.EventStepSkipped,
		schema.EventRunCompleted,
	}, types)
}

func TestRun_PublishesLiveEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{Strategy: "live"})
	require.NoError(t, err)
	defer cancel()

	var calls atomic.Int32
	e := newEngine(t, Config{Registry: testRegistry(t, &calls, nil), Events: hub})

	s := &schema.Strategy{Name: "live", Steps: []schema.Step{
		setStep("a", "a", 1),
		{Name: "b", Action: schema.ActionRef{Type: "test.fail"}, IsRequired: optional()},
	}}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)

	var got []streaming.StreamEvent
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.Len(t, got, 6)
	for _, ev := range got {
		assert.Equal(t, res.RunID, ev.RunID)
		assert.Equal(t, "live", ev.Strategy)
	}
	assert.Equal(t, schema.EventRunStarted, got[0].EventType)
	assert.Equal(t, "a", got[1].Step)
	assert.Equal(t, schema.EventStepWarning, got[4].EventType)
	assert.Equal(t, "b", got[4].Step)
	assert.Equal(t, schema.EventRunCompleted, got[5].EventType)
}

// builtinEngine wires the real actions with a metamapping engine over
// static resources HMDB -> CHEBI (0.95) and CHEBI -> PUBCHEM (0.9).
func builtinEngine(t *testing.T, outputDir string) *Engine {
	t.Helper()
	caps := capability.NewRegistry()
	catalog := resources.NewCatalog()
	for _, s := range []*resources.Static{
		resources.NewStatic("X", []resources.StaticMapping{
			{SourceType: "HMDB", TargetType: "CHEBI", SourceID: "HMDB0000122", TargetID: "CHEBI:17234", Confidence: 0.95},
		}),
		resources.NewStatic("Y", []resources.StaticMapping{
			{SourceType: "CHEBI", TargetType: "PUBCHEM", SourceID: "CHEBI:17234", TargetID: "5793", Confidence: 0.9},
		}),
	} {
		require.NoError(t, catalog.Add(s))
		require.NoError(t, caps.RegisterResource(capability.Resource{Name: s.Name(), Priority: 1, Capabilities: s.Capabilities()}))
	}
	inv := resources.NewInvoker(resources.InvokerConfig{
		Timeout: time.Second,
		Retry:   resources.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, caps, nil, nil)
	mm := metamapping.New(caps, catalog, inv, nil, metamapping.Config{})

	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := actions.NewRegistry(v)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Deps{Resolver: mm, OutputDir: outputDir}))
	return newEngine(t, Config{Registry: reg})
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestScenario_ExportFailureIsWarning(t *testing.T) {
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "id,name\nHMDB0000122,glucose\nHMDB0000064,creatine\n")
	b := writeCSV(t, dir, "b.csv", "id,score\nHMDB0000122,0.9\n")
	blocker := writeCSV(t, dir, "blocker", "not a directory")
	e := builtinEngine(t, "")

	s := &schema.Strategy{
		Name:       "merge_and_export",
		Parameters: map[string]any{"left": a, "right": b},
		Steps: []schema.Step{
			{Name: "load_a", Action: schema.ActionRef{Type: "dataset.load_csv", Params: map[string]any{"path": "${parameters.left}", "output_key": "A"}}},
			{Name: "load_b", Action: schema.ActionRef{Type: "dataset.load_csv", Params: map[string]any{"path": "${parameters.right}", "output_key": "B"}}},
			{Name: "merge", Action: schema.ActionRef{Type: "dataset.merge", Params: map[string]any{
				"left_key": "A", "right_key": "B", "output_key": "C", "on": "id",
			}}},
			{Name: "export", IsRequired: optional(), Action: schema.ActionRef{Type: "dataset.export", Params: map[string]any{
				"input_key": "C", "output_dir": filepath.Join(blocker, "out"),
			}}},
		},
	}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithWarnings, res.Status)

	c, ok := res.Context.Dataset("C")
	require.True(t, ok)
	assert.Equal(t, 1, c.Len())
	require.Len(t, res.Context.Warnings(), 1)
	assert.Equal(t, "export", res.Context.Warnings()[0].Step)
	assert.Empty(t, res.Context.Artifacts())
}

func TestScenario_MultiHopResolution(t *testing.T) {
	dir := t.TempDir()
	in := writeCSV(t, dir, "metabolites.csv", "hmdb,name\nHMDB0000122,glucose\n")
	e := builtinEngine(t, filepath.Join(dir, "out"))

	s := &schema.Strategy{
		Name: "hmdb_to_pubchem",
		Steps: []schema.Step{
			{Name: "load", Action: schema.ActionRef{Type: "dataset.load_csv", Params: map[string]any{"path": in, "output_key": "metabolites"}}},
			{Name: "extract", Action: schema.ActionRef{Type: "identifiers.extract", Params: map[string]any{"input_key": "metabolites", "column": "hmdb"}}},
			{Name: "resolve", Action: schema.ActionRef{Type: "identifiers.resolve", Params: map[string]any{
				"source_type": "HMDB", "target_type": "PUBCHEM", "output_key": "pubchem",
			}}},
			{Name: "export", Action: schema.ActionRef{Type: "dataset.export", Params: map[string]any{"input_key": "pubchem"}}},
		},
	}
	res, err := e.Run(context.Background(), s, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	ds, ok := res.Context.Dataset("pubchem")
	require.True(t, ok)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, "5793", ds.Rows[0]["target_id"])
	assert.InDelta(t, 0.855, ds.Rows[0]["confidence"], 1e-9)
	assert.Equal(t, "HMDB>CHEBI>PUBCHEM", ds.Rows[0]["path"])

	rate, _ := res.Context.Statistic("pubchem_resolution_rate")
	assert.Equal(t, 1.0, rate)
	assert.Len(t, res.Context.Artifacts(), 1)
}
