package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/pipeflow/pkg/schema"
)

// QueryEngine runs jq filters over rendered run documents.
// Compiled code is cached and reused across goroutines.
type QueryEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewQueryEngine creates a QueryEngine.
func NewQueryEngine() *QueryEngine {
	return &QueryEngine{cache: make(map[string]*gojq.Code)}
}

// Run evaluates expression against doc and returns every output value.
// doc must hold JSON-decoded values (map[string]any, []any, float64, string, bool, nil).
func (q *QueryEngine) Run(ctx context.Context, expression string, doc any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty jq query")
	}

	code, err := q.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, doc)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"jq query %q failed: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"query": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

func (q *QueryEngine) getOrCompile(expression string) (*gojq.Code, error) {
	q.mu.RLock()
	if code, ok := q.cache[expression]; ok {
		q.mu.RUnlock()
		return code, nil
	}
	q.mu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if code, ok := q.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": expression})
	}

	// No $ENV access from queries.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": expression})
	}

	q.cache[expression] = code
	return code, nil
}
