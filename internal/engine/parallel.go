package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/rendis/pipeflow/pkg/schema"
)

// parallel runs every child against its own clone of the entry snapshot.
// Each block gets its own pool so nested blocks cannot starve each other.
// Contributions merge in completion order; branch failures are recorded as
// error_<index> instead of failing the block.
func (e *Engine) parallel(ctx context.Context, s *schema.ParallelStep, state *schema.State, depth int) (schema.Update, error) {
	n := len(s.Steps)
	merged := schema.Update{}
	if n == 0 {
		return merged, nil
	}

	snapshot := state.Snapshot()
	e.emit(ctx, schema.EventParallelStarted, s.Name, map[string]any{"branches": n})

	var mu sync.Mutex
	record := func(contrib schema.Update) {
		mu.Lock()
		maps.Copy(merged, contrib)
		mu.Unlock()
	}
	fail := func(i int, err error) {
		e.logger.WarnContext(ctx, "parallel branch failed", slog.Int("branch", i), slog.String("error", err.Error()))
		record(schema.Update{fmt.Sprintf("error_%d", i): err.Error()})
	}

	pool := NewWorkerPool(min(e.opts.ParallelLimit, n))
	defer pool.Shutdown()

	for i, child := range s.Steps {
		err := pool.Submit(ctx, func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = schema.NewErrorf(schema.ErrCodeProcess, "branch panicked: %v", r)
					fail(i, err)
				}
			}()

			clone := schema.NewState(snapshot)
			update, err := e.executeStep(ctx, child, clone, depth+1)
			if err != nil {
				fail(i, err)
				return err
			}
			contrib := schema.Changes(snapshot, clone.Snapshot())
			maps.Copy(contrib, update)
			record(contrib)
			return nil
		})
		if err != nil {
			fail(i, err)
		}
	}
	pool.Wait()

	metrics := pool.Metrics()
	e.logger.DebugContext(ctx, "parallel block finished", slog.String("pool", metrics.String()))
	e.emit(ctx, schema.EventParallelCompleted, s.Name, map[string]any{
		"branches":  n,
		"completed": metrics.Completed,
		"failed":    metrics.Failed,
	})

	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	return merged, nil
}
