// Package engine executes strategies: ordered steps of registered actions
// sharing one ExecutionContext per run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/biomapper/biomapper/internal/actions"
	"github.com/biomapper/biomapper/internal/expressions"
	"github.com/biomapper/biomapper/internal/logging"
	"github.com/biomapper/biomapper/internal/metrics"
	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/internal/store"
	"github.com/biomapper/biomapper/internal/strategy"
	"github.com/biomapper/biomapper/internal/streaming"
	"github.com/biomapper/biomapper/internal/validation"
	"github.com/biomapper/biomapper/pkg/schema"
)

// Config holds the engine's collaborators. Registry is required; everything
// else is optional.
type Config struct {
	Registry     *actions.Registry
	Library      *strategy.Library
	Store        store.Store
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Interpolator *expressions.Interpolator
	Conditions   *expressions.CELEngine
	Events       streaming.EventHub

	// DefaultStepTimeout applies to steps without their own timeout. Zero means none.
	DefaultStepTimeout time.Duration
}

// Engine runs strategies. It is safe for concurrent use; every run gets its
// own ExecutionContext.
type Engine struct {
	registry     *actions.Registry
	library      *strategy.Library
	store        store.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
	interpolator *expressions.Interpolator
	conditions   *expressions.CELEngine
	events       streaming.EventHub
	validator    *validation.StrategyValidator
	stepTimeout  time.Duration
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "engine requires an action registry")
	}
	e := &Engine{
		registry:     cfg.Registry,
		library:      cfg.Library,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		interpolator: cfg.Interpolator,
		conditions:   cfg.Conditions,
		events:       cfg.Events,
		validator:    validation.NewStrategyValidator(cfg.Registry),
		stepTimeout:  cfg.DefaultStepTimeout,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.interpolator == nil {
		e.interpolator = expressions.NewInterpolator()
	}
	if e.conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		e.conditions = cel
	}
	return e, nil
}

// Validate runs the pre-flight checks against the engine's registry.
func (e *Engine) Validate(s *schema.Strategy) *schema.ValidationResult {
	return e.validator.Validate(s)
}

// ExecuteStrategy looks a strategy up in the library and runs it with a
// fresh ExecutionContext.
func (e *Engine) ExecuteStrategy(ctx context.Context, name string, overrides map[string]any) (*RunResult, error) {
	if e.library == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "engine has no strategy library")
	}
	s, err := e.library.Get(name)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, s, overrides, nil)
}

// Run executes s. overrides are merged onto the strategy's parameters. initial
// seeds the workspace; nil starts from an empty one.
//
// Pre-flight failures (invalid strategy, unknown action type, unresolvable
// parameters) return a nil result. Once a step has started, a non-nil result
// is always returned and carries the workspace as it stood when the run ended.
func (e *Engine) Run(ctx context.Context, s *schema.Strategy, overrides map[string]any, initial *pipeline.ExecutionContext) (*RunResult, error) {
	if err := e.preflight(s); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	params, err := e.resolveParameters(s, overrides, runID)
	if err != nil {
		return nil, err
	}

	ec := initial
	if ec == nil {
		ec = pipeline.NewExecutionContext()
	}

	result := &RunResult{
		RunID:      runID,
		Strategy:   s.Name,
		Status:     schema.RunStatusRunning,
		Parameters: params,
		Context:    ec,
		Steps:      make([]StepResult, 0, len(s.Steps)),
		StartedAt:  time.Now().UTC(),
	}

	ctx = logging.WithRun(ctx, runID, s.Name)
	e.persistRunStart(ctx, result)
	e.emit(ctx, runID, "", schema.EventRunStarted, map[string]any{"parameters": params, "steps": len(s.Steps)})
	e.logger.InfoContext(ctx, "strategy started", "steps", len(s.Steps))

	scope := &expressions.Scope{Parameters: params, Metadata: runMetadata(s, runID)}
	for _, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			se := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.Name).WithCause(err)
			result.Error = &StepError{Step: step.Name, Action: step.Action.Type, Fatal: true, Err: se}
			break
		}

		sr, stepErr := e.runStep(logging.WithStep(ctx, step.Name), step, scope, ec)
		result.Steps = append(result.Steps, sr)
		if stepErr != nil {
			result.Error = stepErr
			break
		}
	}

	return e.finish(ctx, result)
}

func (e *Engine) preflight(s *schema.Strategy) error {
	return e.validator.Validate(s).ToError()
}

// resolveParameters merges overrides onto the declared parameters and
// resolves references inside parameter values (typically ${env.VAR}).
func (e *Engine) resolveParameters(s *schema.Strategy, overrides map[string]any, runID string) (map[string]any, error) {
	merged := make(map[string]any, len(s.Parameters)+len(overrides))
	maps.Copy(merged, s.Parameters)
	maps.Copy(merged, overrides)

	resolved, err := e.interpolator.ResolveParams(merged, &expressions.Scope{Metadata: runMetadata(s, runID)})
	if err != nil {
		return nil, asSchemaError(err, schema.ErrCodeInterpolation).
			WithDetails(map[string]any{"strategy": s.Name, "section": "parameters"})
	}
	return resolved, nil
}

func runMetadata(s *schema.Strategy, runID string) map[string]any {
	meta := make(map[string]any, len(s.Metadata)+3)
	maps.Copy(meta, s.Metadata)
	meta["strategy"] = s.Name
	meta["run_id"] = runID
	if s.Description != "" {
		meta["description"] = s.Description
	}
	return meta
}

func (e *Engine) finish(ctx context.Context, result *RunResult) (*RunResult, error) {
	result.CompletedAt = time.Now().UTC()

	switch {
	case result.Error != nil:
		result.Status = schema.RunStatusFailed
	case len(result.Context.Warnings()) > 0:
		result.Status = schema.RunStatusCompletedWithWarnings
	default:
		result.Status = schema.RunStatusCompleted
	}

	e.metrics.ObserveRun(result.Strategy, string(result.Status))
	e.persistRunEnd(ctx, result)

	elapsed := result.CompletedAt.Sub(result.StartedAt)
	if result.Error != nil {
		e.emit(ctx, result.RunID, result.Error.Step, schema.EventRunFailed, result.Error)
		e.logger.ErrorContext(ctx, "strategy failed",
			"failed_step", result.Error.Step, "error", result.Error.Err.Message, "duration", elapsed)
		return result, result.Error
	}

	e.emit(ctx, result.RunID, "", schema.EventRunCompleted, map[string]any{"status": result.Status})
	e.logger.InfoContext(ctx, "strategy finished", "status", result.Status, "duration", elapsed)
	return result, nil
}

// persistence is best effort: a failing store never fails a run.

func (e *Engine) persistRunStart(ctx context.Context, result *RunResult) {
	if e.store == nil {
		return
	}
	started := result.StartedAt
	run := &store.Run{
		ID:         result.RunID,
		Strategy:   result.Strategy,
		Status:     schema.RunStatusRunning,
		Parameters: result.Parameters,
		StartedAt:  &started,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.logger.WarnContext(ctx, "persist run failed", "error", err)
	}
}

func (e *Engine) persistRunEnd(ctx context.Context, result *RunResult) {
	if e.store == nil {
		return
	}
	completed := result.CompletedAt
	update := store.RunUpdate{Status: &result.Status, CompletedAt: &completed}
	if summary, err := json.Marshal(result.Context.Summary()); err == nil {
		update.Summary = summary
	}
	if result.Error != nil {
		if errJSON, err := json.Marshal(result.Error); err == nil {
			update.Error = errJSON
		}
	}
	if err := e.store.UpdateRun(detach(ctx), result.RunID, update); err != nil {
		e.logger.WarnContext(ctx, "persist run result failed", "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, runID, step, eventType string, payload any) {
	if e.events != nil {
		ev := streaming.StreamEvent{
			RunID:     runID,
			Strategy:  logging.Strategy(ctx),
			Step:      step,
			EventType: eventType,
			Payload:   payload,
		}
		if err := e.events.Publish(detach(ctx), ev); err != nil {
			e.logger.WarnContext(ctx, "publish event failed", "event", eventType, "error", err)
		}
	}
	if e.store == nil {
		return
	}
	ev := &store.Event{RunID: runID, Step: step, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "marshal event payload failed", "event", eventType, "error", err)
		}
		ev.Payload = raw
	}
	if err := e.store.AppendEvent(detach(ctx), ev); err != nil {
		e.logger.WarnContext(ctx, "append event failed", "event", eventType, "error", err)
	}
}

// detach keeps context values but drops cancellation so the end of a
// cancelled run is still recorded.
func detach(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.WithoutCancel(ctx)
	}
	return ctx
}

var errStepTimeout = errors.New("step timed out")
