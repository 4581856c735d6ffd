package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"github.com/rendis/pipeflow/pkg/schema"
)

func (e *Engine) tryCatch(ctx context.Context, s *schema.TryCatchStep, state *schema.State, depth int) (schema.Update, error) {
	var err error
	if tryErr := e.executeSteps(ctx, s.TrySteps, state, depth+1); tryErr != nil {
		e.logger.InfoContext(ctx, "try block failed, running catch", slog.String("error", tryErr.Error()))
		state.Set("try_result", "failure")
		state.Set("error", tryErr.Error())
		err = e.executeSteps(ctx, s.CatchSteps, state, depth+1)
	} else {
		state.Set("try_result", "success")
	}

	if finErr := e.executeSteps(ctx, s.FinallySteps, state, depth+1); finErr != nil && err == nil {
		err = finErr
	}
	if err != nil {
		return nil, err
	}
	return schema.Update{}, nil
}

type stepOutcome struct {
	update schema.Update
	err    error
}

// timeout runs the wrapped step on a clone so an abandoned step can never
// write to canonical state after expiry.
func (e *Engine) timeout(ctx context.Context, s *schema.TimeoutStep, state *schema.State, depth int) (schema.Update, error) {
	if s.Step == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "timeout step has no wrapped step")
	}
	if s.Duration == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "timeout duration must be positive")
	}

	tctx, cancel := context.WithTimeout(ctx, s.Limit())
	defer cancel()

	clone := state.Clone()
	before := clone.Snapshot()

	done := make(chan stepOutcome, 1)
	go func() {
		u, err := e.executeStep(tctx, s.Step, clone, depth+1)
		done <- stepOutcome{update: u, err: err}
	}()

	select {
	case out := <-done:
		return e.timeoutOutcome(ctx, tctx, s, before, clone, out)
	case <-tctx.Done():
		// A step finishing right at the deadline still counts.
		select {
		case out := <-done:
			return e.timeoutOutcome(ctx, tctx, s, before, clone, out)
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}
		return nil, e.timeoutFired(ctx, s)
	}
}

func (e *Engine) timeoutOutcome(ctx, tctx context.Context, s *schema.TimeoutStep, before map[string]string, clone *schema.State, out stepOutcome) (schema.Update, error) {
	if out.err != nil {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutFired(ctx, s)
		}
		return nil, out.err
	}
	changes := schema.Changes(before, clone.Snapshot())
	maps.Copy(changes, out.update)
	return changes, nil
}

func (e *Engine) timeoutFired(ctx context.Context, s *schema.TimeoutStep) error {
	e.logger.WarnContext(ctx, "step timed out", slog.Uint64("seconds", s.Duration))
	e.emit(ctx, schema.EventTimeoutFired, s.Name, map[string]any{"seconds": s.Duration})
	return schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %ds", s.Duration).
		WithStep(s.Name).
		WithDetails(map[string]any{"seconds": s.Duration})
}
