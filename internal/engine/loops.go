package engine

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/pipeflow/pkg/schema"
)

func (e *Engine) repeatUntil(ctx context.Context, s *schema.RepeatUntilStep, state *schema.State, depth int) (schema.Update, error) {
	iterations := 0
	for {
		if err := e.executeSteps(ctx, s.Steps, state, depth+1); err != nil {
			return nil, err
		}
		iterations++
		e.emit(ctx, schema.EventLoopIteration, s.Name, map[string]any{"iteration": iterations})

		done, err := e.Evaluate(ctx, s.Condition, state)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return schema.Update{"iterations": strconv.Itoa(iterations)}, nil
}

func (e *Engine) forEach(ctx context.Context, s *schema.ForEachStep, state *schema.State, depth int) (schema.Update, error) {
	items := splitItems(e.expand(s.Items, state))
	variable := s.Variable()
	restore := bindScoped(state, variable)
	defer restore()

	values := make([]string, 0, len(items))
	for i, item := range items {
		state.Set(variable, item)
		if err := e.executeSteps(ctx, s.Steps, state, depth+1); err != nil {
			return nil, err
		}
		v, _ := state.Get(variable)
		values = append(values, v)
		e.emit(ctx, schema.EventLoopIteration, s.Name, map[string]any{"iteration": i + 1, "item": item})
	}
	return schema.Update{s.Name: strings.Join(values, ", ")}, nil
}

func (e *Engine) while(ctx context.Context, s *schema.WhileStep, state *schema.State, depth int) (schema.Update, error) {
	ceiling := s.MaxIterations
	if ceiling <= 0 {
		ceiling = e.opts.WhileCeiling
	}

	iterations := 0
	for {
		ok, err := e.Evaluate(ctx, s.Condition, state)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if iterations >= ceiling {
			e.ceilingReached(ctx, s.Name, ceiling)
			break
		}
		if err := e.executeSteps(ctx, s.Steps, state, depth+1); err != nil {
			return nil, err
		}
		iterations++
		e.emit(ctx, schema.EventLoopIteration, s.Name, map[string]any{"iteration": iterations})
	}
	return schema.Update{"iterations": strconv.Itoa(iterations)}, nil
}

func (e *Engine) counted(ctx context.Context, s *schema.CountedStep, state *schema.State, depth int) (schema.Update, error) {
	start, err := e.bound(s.Start, "start", state)
	if err != nil {
		return nil, err
	}
	end, err := e.bound(s.End, "end", state)
	if err != nil {
		return nil, err
	}
	step, err := e.bound(s.Step, "step", state)
	if err != nil {
		return nil, err
	}
	if step == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "counted loop step must not be 0")
	}

	counter := s.Counter()
	restore := bindScoped(state, counter)
	defer restore()

	ceiling := e.opts.CountedCeiling
	iterations := 0
	for i := start; inRange(i, end, step); {
		if iterations >= ceiling {
			e.ceilingReached(ctx, s.Name, ceiling)
			break
		}
		state.Set(counter, strconv.FormatInt(i, 10))
		if err := e.executeSteps(ctx, s.Steps, state, depth+1); err != nil {
			return nil, err
		}
		iterations++
		e.emit(ctx, schema.EventLoopIteration, s.Name, map[string]any{"iteration": iterations, counter: i})

		next, ok := addInt64(i, step)
		if !ok {
			break
		}
		i = next
	}

	n := strconv.Itoa(iterations)
	return schema.Update{
		s.Name:       "Completed " + n + " iterations",
		"iterations": n,
	}, nil
}

func (e *Engine) bound(expr schema.IntExpr, which string, state *schema.State) (int64, error) {
	if n, ok := expr.Literal(); ok {
		return n, nil
	}
	if which == "step" && strings.TrimSpace(string(expr)) == "" {
		return 1, nil
	}
	n, err := e.bounds.Eval(e.expand(string(expr), state))
	if err != nil {
		if pErr, ok := err.(*schema.PipelineError); ok {
			pErr.Details = map[string]any{"bound": which, "expression": string(expr)}
		}
		return 0, err
	}
	return n, nil
}

func (e *Engine) ceilingReached(ctx context.Context, name string, ceiling int) {
	e.logger.WarnContext(ctx, "loop iteration ceiling reached", slog.Int("ceiling", ceiling))
	e.emit(ctx, schema.EventLoopCeilingReached, name, map[string]any{"ceiling": ceiling})
}

// bindScoped saves the current value of name and returns a func restoring it,
// or deleting name when it was unset.
func bindScoped(state *schema.State, name string) func() {
	prev, had := state.Get(name)
	return func() {
		if had {
			state.Set(name, prev)
			return
		}
		state.Delete(name)
	}
}

// splitItems splits a comma list, trimming each token. Blank input yields nothing.
func splitItems(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func inRange(i, end, step int64) bool {
	if step > 0 {
		return i <= end
	}
	return i >= end
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
