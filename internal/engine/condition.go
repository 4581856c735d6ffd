package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/pipeflow/internal/isolation"
	"github.com/rendis/pipeflow/internal/process"
	"github.com/rendis/pipeflow/pkg/schema"
)

// Predicates and the chosen branch run under fixed shells, regardless of
// the configured shell.
const (
	conditionShell = "bash"
	branchShell    = "sh"
)

// Evaluate expands condition against state and reports whether it holds.
// The predicate runs under bash with a PATH-only environment; any nonzero
// exit is false. Only a failure to run the predicate is an error.
func (e *Engine) Evaluate(ctx context.Context, condition string, state *schema.State) (bool, error) {
	expanded := e.expand(condition, state)

	policy := isolation.PredicatePolicy()
	inv := process.Shell(conditionShell, "if "+expanded+"; then exit 0; else exit 1; fi")
	inv.Policy = &policy

	res, err := e.runner.Exec(ctx, inv)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

func (e *Engine) conditionStep(ctx context.Context, s *schema.ConditionStep, state *schema.State) (schema.Update, error) {
	ok, err := e.Evaluate(ctx, s.Condition, state)
	if err != nil {
		return nil, err
	}

	branch := s.IfFalse
	if ok {
		branch = s.IfTrue
	}
	e.logger.DebugContext(ctx, "condition evaluated", slog.Bool("result", ok))
	e.emit(ctx, schema.EventConditionEvaluated, s.Name, map[string]any{"result": ok})

	if strings.TrimSpace(branch) == "" {
		return schema.Update{}, nil
	}

	res, err := e.runner.Run(ctx, process.Shell(branchShell, e.expand(branch, state)))
	if err != nil {
		return nil, err
	}
	return schema.Update{s.Name: strings.TrimSpace(res.Stdout)}, nil
}

func (e *Engine) printOutput(ctx context.Context, s *schema.PrintOutputStep, state *schema.State) (schema.Update, error) {
	if isQuiet(ctx) {
		return schema.Update{}, nil
	}
	value := e.expand(s.Value, state)

	e.outMu.Lock()
	defer e.outMu.Unlock()
	if _, err := e.opts.Output.Write([]byte(value + "\n")); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProcess, "write output: %v", err).WithCause(err)
	}
	return schema.Update{}, nil
}
