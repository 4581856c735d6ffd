package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/pipeflow/internal/process"
	"github.com/rendis/pipeflow/pkg/schema"
)

func (e *Engine) commandStep(ctx context.Context, s *schema.CommandStep, state *schema.State) (schema.Update, error) {
	command := e.expand(s.Command, state)

	var inv process.Invocation
	if len(s.Args) > 0 {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = e.expand(a, state)
		}
		inv = process.Direct(command, args...)
	} else {
		inv = process.Shell("sh", command)
	}
	return e.runCommand(ctx, s.Name, inv, s.SaveOutput, s.Retry)
}

func (e *Engine) shellCommandStep(ctx context.Context, s *schema.ShellCommandStep, state *schema.State) (schema.Update, error) {
	inv := process.Shell(e.opts.Shell, e.expand(s.Command, state))
	return e.runCommand(ctx, s.Name, inv, s.SaveOutput, s.Retry)
}

// runCommand invokes inv, retrying process failures per policy, and saves
// trimmed stdout under saveOutput when set.
func (e *Engine) runCommand(ctx context.Context, name string, inv process.Invocation, saveOutput string, policy *schema.RetryPolicy) (schema.Update, error) {
	attempts := policy.Attempts()

	var lastErr error
	made := 0
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			e.logger.WarnContext(ctx, "retrying command",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", attempts),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			e.emit(ctx, schema.EventStepRetrying, name, map[string]any{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, contextError(err).WithCause(lastErr)
			}
		}

		res, err := e.runner.Run(ctx, inv)
		made++
		if err == nil {
			if saveOutput == "" {
				return schema.Update{}, nil
			}
			return schema.Update{saveOutput: strings.TrimSpace(res.Stdout)}, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}

	if attempts > 1 {
		if pErr, ok := lastErr.(*schema.PipelineError); ok {
			if pErr.Details == nil {
				pErr.Details = map[string]any{}
			}
			pErr.Details["attempts"] = made
		}
	}
	return nil, lastErr
}
