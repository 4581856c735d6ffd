package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pipeflow/internal/logging"
	"github.com/rendis/pipeflow/internal/store"
	"github.com/rendis/pipeflow/pkg/schema"
)

// ExecutorOptions configures a PipelineExecutor.
type ExecutorOptions struct {
	// Output receives the run summary or JSON document. Defaults to os.Stdout.
	Output io.Writer
	Logger *slog.Logger
	// Now is the clock used for start and end times.
	Now func() time.Time
}

// RunOptions control a single run.
type RunOptions struct {
	// RunID selects the run; a new UUID is generated when empty.
	RunID string
	// ForceFresh ignores any stored snapshot for the run.
	ForceFresh bool
	// JSONOutput suppresses PrintOutput and writes the run document instead
	// of the summary line.
	JSONOutput bool
	// Query is an optional jq filter applied to the JSON document.
	Query string
}

// RunResult is the in-memory outcome of a run.
type RunResult struct {
	Pipeline    string            `json:"pipeline_name"`
	RunID       string            `json:"run_id"`
	Status      schema.RunStatus  `json:"status"`
	CurrentStep int               `json:"current_step"`
	TotalSteps  int               `json:"total_steps"`
	Resumed     bool              `json:"resumed"`
	StartTime   int64             `json:"start_time"`
	EndTime     int64             `json:"end_time"`
	Data        map[string]string `json:"data"`
}

// PipelineExecutor runs whole pipelines, persisting progress so a failed run
// can be resumed from the first step that did not complete.
type PipelineExecutor struct {
	engine *Engine
	store  store.StateStore
	out    io.Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewPipelineExecutor creates an executor over eng and st.
func NewPipelineExecutor(eng *Engine, st store.StateStore, opts ExecutorOptions) *PipelineExecutor {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = eng.logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PipelineExecutor{engine: eng, store: st, out: opts.Output, logger: opts.Logger, now: opts.Now}
}

// Engine returns the step engine.
func (p *PipelineExecutor) Engine() *Engine { return p.engine }

// Store returns the state store.
func (p *PipelineExecutor) Store() store.StateStore { return p.store }

// Run executes def with the given input. A step failure returns one error
// wrapping the root cause alongside the result. A persistence failure is
// reported as a PERSISTENCE_ERROR, also alongside the result.
func (p *PipelineExecutor) Run(ctx context.Context, def *schema.Pipeline, input string, opts RunOptions) (*RunResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "nil pipeline definition")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRun(ctx, def.Name, runID)
	ctx = WithPipeline(ctx, def)
	if opts.JSONOutput {
		ctx = WithQuiet(ctx)
	}
	logger := logging.LogWith(ctx, p.logger)

	fsm := NewRunFSM(func(ctx context.Context, eventType string, payload map[string]any) {
		p.engine.emit(ctx, eventType, "", payload)
	})
	if err := fsm.Transition(ctx, schema.RunStatusHydrating, nil); err != nil {
		return nil, err
	}

	key := store.Key(def.Name, runID)
	result := &RunResult{
		Pipeline:   def.Name,
		RunID:      runID,
		TotalSteps: len(def.Steps),
		StartTime:  p.now().Unix(),
	}

	var vars map[string]string
	if !opts.ForceFresh {
		saved, ok, err := p.store.Load(ctx, key)
		if err != nil {
			_ = fsm.Transition(ctx, schema.RunStatusFailed, map[string]any{"error": err.Error()})
			return nil, schema.NewErrorf(schema.ErrCodePersistence, "load state %s: %v", key, err).WithCause(err)
		}
		if ok {
			vars = saved.Data
			result.CurrentStep = min(max(saved.CurrentStep, 0), len(def.Steps))
			result.StartTime = saved.StartTime
			result.Resumed = true
			logger.InfoContext(ctx, "resuming run", slog.Int("current_step", result.CurrentStep))
			p.engine.emit(ctx, schema.EventRunHydrated, "", map[string]any{"current_step": result.CurrentStep})
		}
	}

	state := schema.NewState(vars)
	if result.CurrentStep == 0 {
		state.Set("input", input)
	}
	state.Set("run_id", runID)

	if err := fsm.Transition(ctx, schema.RunStatusRunning, map[string]any{
		"steps":        len(def.Steps),
		"current_step": result.CurrentStep,
		"resumed":      result.Resumed,
	}); err != nil {
		return nil, err
	}

	var runErr, persistErr error
	for i := result.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]
		state.Set("step", step.StepName())

		update, err := p.engine.ExecuteStep(ctx, step, state)
		if err != nil {
			runErr = err
			break
		}
		state.Merge(update)
		result.CurrentStep = i + 1

		if err := p.persist(ctx, key, result, state); err != nil {
			logger.WarnContext(ctx, "checkpoint failed", slog.Int("current_step", result.CurrentStep), slog.String("error", err.Error()))
			persistErr = err
		}
	}

	result.Status = schema.RunStatusCompleted
	if runErr != nil {
		result.Status = schema.RunStatusFailed
	}
	_ = fsm.Transition(ctx, result.Status, p.runPayload(result, runErr))

	// The final snapshot is written even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.persist(persistCtx, key, result, state); err != nil {
		logger.ErrorContext(ctx, "persist run failed", slog.String("error", err.Error()))
		persistErr = err
	} else {
		_ = fsm.Transition(ctx, schema.RunStatusPersisted, map[string]any{"current_step": result.CurrentStep})
	}

	result.EndTime = p.now().Unix()
	result.Data = state.Snapshot()

	if err := p.report(persistCtx, key, result, opts); err != nil {
		logger.WarnContext(ctx, "write run output failed", slog.String("error", err.Error()))
		if runErr == nil && persistErr == nil {
			return result, err
		}
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "run failed",
			slog.Int("current_step", result.CurrentStep), slog.String("error", runErr.Error()))
		return result, runFailure(def.Name, result.CurrentStep, runErr)
	}
	if persistErr != nil {
		return result, schema.NewErrorf(schema.ErrCodePersistence, "persist state %s: %v", key, persistErr).WithCause(persistErr)
	}
	logger.InfoContext(ctx, "run completed", slog.Int64("runtime_seconds", result.EndTime-result.StartTime))
	return result, nil
}

func (p *PipelineExecutor) persist(ctx context.Context, key string, r *RunResult, state *schema.State) error {
	return p.store.Save(ctx, key, &schema.PersistedState{
		PipelineName: r.Pipeline,
		RunID:        r.RunID,
		CurrentStep:  r.CurrentStep,
		StartTime:    r.StartTime,
		UpdatedAt:    p.now().UTC(),
		Data:         state.Snapshot(),
	})
}

func (p *PipelineExecutor) runPayload(r *RunResult, runErr error) map[string]any {
	payload := map[string]any{"current_step": r.CurrentStep, "steps": r.TotalSteps}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	return payload
}

// report writes the JSON document, re-read from the store, or a summary line.
func (p *PipelineExecutor) report(ctx context.Context, key string, r *RunResult, opts RunOptions) error {
	if !opts.JSONOutput {
		_, err := fmt.Fprintln(p.out, summaryLine(r))
		return err
	}

	saved, ok, err := p.store.Load(ctx, key)
	if err != nil || !ok {
		saved = &schema.PersistedState{
			PipelineName: r.Pipeline,
			RunID:        r.RunID,
			CurrentStep:  r.CurrentStep,
			StartTime:    r.StartTime,
			Data:         r.Data,
		}
	}
	return RenderDocument(ctx, p.out, NewRunDocument(saved, r.EndTime), opts.Query)
}

func summaryLine(r *RunResult) string {
	return fmt.Sprintf("pipeline %s run %s %s: %d/%d steps in %ds",
		r.Pipeline, r.RunID, r.Status, r.CurrentStep, r.TotalSteps, r.EndTime-r.StartTime)
}

// runFailure wraps the root cause, keeping its code.
func runFailure(pipeline string, stepIndex int, cause error) error {
	code := schema.CodeOf(cause)
	if code == "" {
		code = schema.ErrCodeProcess
	}
	pErr := schema.NewErrorf(code, "pipeline %s failed at step %d: %v", pipeline, stepIndex+1, cause).
		WithCause(cause).
		WithDetails(map[string]any{"step_index": stepIndex})
	return pErr
}
