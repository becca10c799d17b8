package engine

import (
	"context"
	"time"

	"github.com/biomapper/biomapper/internal/actions"
	"github.com/biomapper/biomapper/internal/expressions"
	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// runStep executes one step. A non-nil *StepError means the run must halt.
func (e *Engine) runStep(ctx context.Context, step schema.Step, scope *expressions.Scope, ec *pipeline.ExecutionContext) (StepResult, *StepError) {
	sr := StepResult{Name: step.Name, Action: step.Action.Type, Status: schema.StepStatusRunning}
	start := time.Now()

	ok, err := e.evaluateCondition(ctx, step, scope, ec)
	if err == nil && !ok {
		sr.Status = schema.StepStatusSkipped
		sr.Message = "condition evaluated to false"
		e.emit(ctx, runIDOf(scope), step.Name, schema.EventStepSkipped, map[string]any{"condition": step.Condition})
		e.metrics.ObserveStep(step.Action.Type, string(sr.Status), 0)
		e.logger.InfoContext(ctx, "step skipped", "condition", step.Condition)
		return sr, nil
	}

	e.emit(ctx, runIDOf(scope), step.Name, schema.EventStepStarted, map[string]any{"action": step.Action.Type})
	e.logger.DebugContext(ctx, "step started", "action", step.Action.Type)

	var res *actions.Result
	if err == nil {
		res, err = e.invoke(ctx, step, scope, ec)
	}
	elapsed := time.Since(start)
	sr.DurationMs = elapsed.Milliseconds()

	if err == nil {
		sr.Status = schema.StepStatusCompleted
		sr.Message = res.Message
		sr.Data = res.Data
		e.emit(ctx, runIDOf(scope), step.Name, schema.EventStepCompleted, map[string]any{
			"message":     res.Message,
			"data":        res.Data,
			"duration_ms": sr.DurationMs,
		})
		e.metrics.ObserveStep(step.Action.Type, string(sr.Status), elapsed)
		e.logger.InfoContext(ctx, "step completed", "action", step.Action.Type, "duration", elapsed)
		return sr, nil
	}

	se := asSchemaError(err, schema.ErrCodeActionExecution)
	if se.Step == "" {
		se.WithStep(step.Name)
	}
	sr.Error = se
	sr.Message = se.Message

	// Configuration problems halt the run whether or not the step is required.
	if step.Required() || se.IsConfiguration() {
		sr.Status = schema.StepStatusFailed
		e.emit(ctx, runIDOf(scope), step.Name, schema.EventStepFailed, se)
		e.metrics.ObserveStep(step.Action.Type, string(sr.Status), elapsed)
		e.logger.ErrorContext(ctx, "step failed", "action", step.Action.Type, "code", se.Code, "error", se.Message)
		return sr, &StepError{Step: step.Name, Action: step.Action.Type, Fatal: true, Err: se}
	}

	sr.Status = schema.StepStatusWarning
	ec.AddWarning(pipeline.Warning{Step: step.Name, Action: step.Action.Type, Message: se.Message})
	e.emit(ctx, runIDOf(scope), step.Name, schema.EventStepWarning, se)
	e.metrics.ObserveStep(step.Action.Type, string(sr.Status), elapsed)
	e.logger.WarnContext(ctx, "optional step failed", "action", step.Action.Type, "code", se.Code, "error", se.Message)
	return sr, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, step schema.Step, scope *expressions.Scope, ec *pipeline.ExecutionContext) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}
	summary := ec.Summary()
	return e.conditions.EvaluateBool(ctx, step.Condition, map[string]any{
		"parameters": scope.Parameters,
		"metadata":   scope.Metadata,
		"statistics": summary["statistics"],
		"datasets":   summary["datasets"],
	})
}

// invoke resolves params, instantiates the action and runs it under the
// step's timeout. The action works on a fork of ec that is committed only
// when the step succeeds, so a failed or timed-out step leaves ec untouched.
func (e *Engine) invoke(ctx context.Context, step schema.Step, scope *expressions.Scope, ec *pipeline.ExecutionContext) (*actions.Result, error) {
	params, err := e.interpolator.ResolveParams(step.Action.Params, scope)
	if err != nil {
		return nil, err
	}

	action, err := e.registry.Instantiate(step.Action.Type, params)
	if err != nil {
		return nil, err
	}

	timeout := e.stepTimeout
	if step.Timeout != "" {
		if d, perr := time.ParseDuration(step.Timeout); perr == nil && d > 0 {
			timeout = d
		}
	}

	staged := ec.Fork()
	res, err := execute(ctx, action, params, staged, timeout)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = actions.Succeeded("", nil)
	}
	if !res.Success {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "action reported failure: %s", res.Message).
			WithDetails(res.Data)
	}
	ec.Commit(staged)
	return res, nil
}

type outcome struct {
	res *actions.Result
	err error
}

// execute runs the action. With a positive timeout the action runs on its
// own goroutine so that an action ignoring its context still cannot hold the
// run past the deadline. An abandoned action keeps only its staged context.
func execute(ctx context.Context, action actions.Action, params map[string]any, ec *pipeline.ExecutionContext, timeout time.Duration) (*actions.Result, error) {
	if timeout <= 0 {
		return action.Execute(ctx, params, ec)
	}

	stepCtx, cancel := context.WithTimeoutCause(ctx, timeout, errStepTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := action.Execute(stepCtx, params, ec)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && context.Cause(stepCtx) == errStepTimeout {
			return nil, timeoutError(timeout, out.err)
		}
		return out.res, out.err
	case <-stepCtx.Done():
		if context.Cause(stepCtx) == errStepTimeout {
			return nil, timeoutError(timeout, errStepTimeout)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithCause(stepCtx.Err())
	}
}

func timeoutError(timeout time.Duration, cause error) error {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "step timed out after %s", timeout).
		WithCause(cause).
		WithDetails(map[string]any{"timeout": timeout.String(), "kind": "timeout"})
}

func runIDOf(scope *expressions.Scope) string {
	id, _ := scope.Metadata["run_id"].(string)
	return id
}
