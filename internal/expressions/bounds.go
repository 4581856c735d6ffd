package expressions

import (
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/pipeflow/pkg/schema"
)

// BoundEvaluator reduces counted-loop bounds to integers. Plain literals are
// parsed directly; anything else is compiled as an integer arithmetic
// expression with no environment, so "${N} * 2" works once N is expanded.
// Compiled programs are cached and shared across goroutines.
type BoundEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewBoundEvaluator creates a BoundEvaluator.
func NewBoundEvaluator() *BoundEvaluator {
	return &BoundEvaluator{cache: make(map[string]*vm.Program)}
}

// Eval returns the integer value of an already expanded bound.
func (b *BoundEvaluator) Eval(bound string) (int64, error) {
	src := strings.TrimSpace(bound)
	if src == "" {
		return 0, schema.NewError(schema.ErrCodeConfiguration, "empty loop bound")
	}
	if n, err := strconv.ParseInt(src, 10, 64); err == nil {
		return n, nil
	}

	prg, err := b.getOrCompile(src)
	if err != nil {
		return 0, err
	}

	out, err := vm.Run(prg, nil)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration,
			"loop bound %q failed to evaluate: %s", src, err.Error()).WithCause(err)
	}
	n, ok := out.(int64)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "loop bound %q is not an integer (%T)", src, out)
	}
	return n, nil
}

func (b *BoundEvaluator) getOrCompile(src string) (*vm.Program, error) {
	b.mu.RLock()
	if prg, ok := b.cache[src]; ok {
		b.mu.RUnlock()
		return prg, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if prg, ok := b.cache[src]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(src, expr.AsInt64())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"loop bound %q is not an integer expression: %s", src, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": src})
	}

	b.cache[src] = prg
	return prg, nil
}
