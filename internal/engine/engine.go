package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rendis/pipeflow/internal/expressions"
	"github.com/rendis/pipeflow/internal/isolation"
	"github.com/rendis/pipeflow/internal/logging"
	"github.com/rendis/pipeflow/internal/process"
	"github.com/rendis/pipeflow/internal/streaming"
	"github.com/rendis/pipeflow/pkg/schema"
)

const (
	DefaultMaxDepth       = 64
	DefaultWhileCeiling   = 1000
	DefaultCountedCeiling = 10000
	DefaultParallelLimit  = 8
	DefaultShell          = "bash"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Shell          string
	ExtendedVars   bool
	NestedRounds   int
	MaxDepth       int
	WhileCeiling   int
	CountedCeiling int
	ParallelLimit  int

	// Output receives PrintOutput values. Defaults to os.Stdout.
	Output   io.Writer
	Prompter Prompter
	Resolver PipelineResolver
	Runner   *process.Runner
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Shell == "" {
		o.Shell = DefaultShell
	}
	if o.NestedRounds < 1 {
		o.NestedRounds = 1
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.WhileCeiling <= 0 {
		o.WhileCeiling = DefaultWhileCeiling
	}
	if o.CountedCeiling <= 0 {
		o.CountedCeiling = DefaultCountedCeiling
	}
	if o.ParallelLimit <= 0 {
		o.ParallelLimit = DefaultParallelLimit
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if o.Prompter == nil {
		o.Prompter = NewLinePrompter(os.Stdin, os.Stderr)
	}
	if o.Runner == nil {
		o.Runner = process.NewRunner(process.Config{Policy: isolation.CommandPolicy()})
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine executes individual steps against a shared State.
// It is safe for concurrent use by Parallel branches.
type Engine struct {
	opts     Options
	runner   *process.Runner
	expander *expressions.Expander
	bounds   *expressions.BoundEvaluator
	logger   *slog.Logger
	hub      streaming.EventHub

	outMu sync.Mutex
}

// New creates an Engine.
func New(opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:     opts,
		runner:   opts.Runner,
		expander: expressions.NewExpander(opts.ExtendedVars),
		bounds:   expressions.NewBoundEvaluator(),
		logger:   opts.Logger,
		hub:      opts.Hub,
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// ExecuteStep runs one top-level step and returns its partial update.
// The caller merges the update into state.
func (e *Engine) ExecuteStep(ctx context.Context, step schema.Step, state *schema.State) (schema.Update, error) {
	return e.executeStep(ctx, step, state, 0)
}

func (e *Engine) executeStep(ctx context.Context, step schema.Step, state *schema.State, depth int) (schema.Update, error) {
	if step == nil {
		return nil, schema.NewError(schema.ErrCodeUnknownStep, "nil step")
	}
	name := step.StepName()

	if err := ctx.Err(); err != nil {
		return nil, contextError(err).WithStep(name)
	}
	if depth >= e.opts.MaxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"nesting depth limit %d exceeded", e.opts.MaxDepth).WithStep(name)
	}

	ctx = logging.WithStep(ctx, name)
	e.logger.DebugContext(ctx, "step started", slog.String("kind", string(step.Kind())), slog.Int("depth", depth))
	e.emit(ctx, schema.EventStepStarted, name, map[string]any{"kind": string(step.Kind()), "depth": depth})

	start := time.Now()
	update, err := e.dispatch(ctx, step, state, depth)
	elapsed := time.Since(start)

	if err != nil {
		err = annotate(err, name)
		e.logger.WarnContext(ctx, "step failed", slog.String("error", err.Error()))
		e.emit(ctx, schema.EventStepFailed, name, map[string]any{
			"error":       err.Error(),
			"code":        schema.CodeOf(err),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, err
	}

	e.emit(ctx, schema.EventStepCompleted, name, map[string]any{
		"duration_ms": elapsed.Milliseconds(),
		"keys":        len(update),
	})
	if update == nil {
		update = schema.Update{}
	}
	return update, nil
}

func (e *Engine) dispatch(ctx context.Context, step schema.Step, state *schema.State, depth int) (schema.Update, error) {
	switch s := step.(type) {
	case *schema.CommandStep:
		return e.commandStep(ctx, s, state)
	case *schema.ShellCommandStep:
		return e.shellCommandStep(ctx, s, state)
	case *schema.ConditionStep:
		return e.conditionStep(ctx, s, state)
	case *schema.PrintOutputStep:
		return e.printOutput(ctx, s, state)
	case *schema.RepeatUntilStep:
		return e.repeatUntil(ctx, s, state, depth)
	case *schema.ForEachStep:
		return e.forEach(ctx, s, state, depth)
	case *schema.WhileStep:
		return e.while(ctx, s, state, depth)
	case *schema.CountedStep:
		return e.counted(ctx, s, state, depth)
	case *schema.TryCatchStep:
		return e.tryCatch(ctx, s, state, depth)
	case *schema.TimeoutStep:
		return e.timeout(ctx, s, state, depth)
	case *schema.ParallelStep:
		return e.parallel(ctx, s, state, depth)
	case *schema.MapStep:
		return e.mapStep(ctx, s, state)
	case *schema.HumanInTheLoopStep:
		return e.humanInTheLoop(ctx, s, state)
	case *schema.SubPipelineStep:
		return e.subPipeline(ctx, s, state, depth)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "unknown step type %T", step)
	}
}

// executeSteps runs steps in order, merging each update before the next sibling.
func (e *Engine) executeSteps(ctx context.Context, steps schema.Steps, state *schema.State, depth int) error {
	for _, step := range steps {
		update, err := e.executeStep(ctx, step, state, depth)
		if err != nil {
			return err
		}
		state.Merge(update)
	}
	return nil
}

func (e *Engine) expand(text string, state *schema.State) string {
	return e.expander.ExpandNested(text, state.Get, e.opts.NestedRounds)
}

func (e *Engine) expandWith(text string, lookup expressions.Lookup) string {
	return e.expander.ExpandNested(text, lookup, e.opts.NestedRounds)
}

func (e *Engine) emit(ctx context.Context, eventType, step string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	ev := streaming.StreamEvent{
		RunID:     logging.RunID(ctx),
		Pipeline:  logging.Pipeline(ctx),
		Step:      step,
		EventType: eventType,
		Payload:   payload,
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

// annotate attaches the failing step name unless a deeper step already did.
func annotate(err error, name string) error {
	var pErr *schema.PipelineError
	if errors.As(err, &pErr) {
		if pErr.Step == "" {
			pErr.Step = name
		}
		return err
	}
	return schema.NewError(schema.ErrCodeProcess, err.Error()).WithStep(name).WithCause(err)
}

func contextError(err error) *schema.PipelineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "cancelled").WithCause(err)
}

// --- context carriers ---

type ctxKey int

const (
	quietKey ctxKey = iota
	pipelineKey
)

// WithQuiet suppresses PrintOutput for steps run with the returned context.
func WithQuiet(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey, true)
}

func isQuiet(ctx context.Context) bool {
	v, _ := ctx.Value(quietKey).(bool)
	return v
}

// WithPipeline records the definition being executed, used to resolve
// relative SubPipeline references.
func WithPipeline(ctx context.Context, p *schema.Pipeline) context.Context {
	return context.WithValue(ctx, pipelineKey, p)
}

func currentPipeline(ctx context.Context) *schema.Pipeline {
	p, _ := ctx.Value(pipelineKey).(*schema.Pipeline)
	return p
}
