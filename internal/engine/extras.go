package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rendis/pipeflow/internal/process"
	"github.com/rendis/pipeflow/pkg/schema"
)

// Prompter collects one line of operator input.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// LinePrompter writes the prompt to Out and reads a line from In.
// A single reader goroutine owns In; a line read after its prompt was
// abandoned is handed to the next Prompt.
type LinePrompter struct {
	mu    sync.Mutex
	in    *bufio.Reader
	out   io.Writer
	start sync.Once
	lines chan promptLine
}

type promptLine struct {
	text string
	err  error
}

// NewLinePrompter creates a LinePrompter.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out, lines: make(chan promptLine)}
}

// Prompt blocks until a line is read or ctx is done. End of input yields
// whatever was read so far.
func (p *LinePrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintln(p.out, prompt); err != nil {
		return "", err
	}
	p.start.Do(func() { go p.readLines() })

	select {
	case l, ok := <-p.lines:
		if !ok {
			return "", nil
		}
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// readLines feeds p.lines until input ends or fails, then closes it.
func (p *LinePrompter) readLines() {
	defer close(p.lines)
	for {
		s, err := p.in.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if s != "" {
				p.lines <- promptLine{text: s}
			}
			return
		}
		p.lines <- promptLine{text: s, err: err}
		if err != nil {
			return
		}
	}
}

// PipelineResolver loads the definition a SubPipeline step refers to.
// parent is the definition containing the step and may be nil.
type PipelineResolver interface {
	Resolve(ctx context.Context, ref string, parent *schema.Pipeline) (*schema.Pipeline, error)
}

func (e *Engine) mapStep(ctx context.Context, s *schema.MapStep, state *schema.State) (schema.Update, error) {
	items := splitItems(e.expand(s.Input, state))
	results := make([]string, 0, len(items))

	for _, item := range items {
		lookup := func(name string) (string, bool) {
			if name == "ITEM" {
				return item, true
			}
			return state.Get(name)
		}
		command := e.expandWith(s.Command, lookup)

		res, err := e.runner.Run(ctx, process.Shell(e.opts.Shell, command))
		if err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx.Err())
			}
			e.logger.WarnContext(ctx, "map item failed",
				slog.String("item", item), slog.String("error", err.Error()))
			continue
		}
		results = append(results, strings.TrimSpace(res.Stdout))
	}
	return schema.Update{s.SaveOutput: strings.Join(results, ", ")}, nil
}

func (e *Engine) humanInTheLoop(ctx context.Context, s *schema.HumanInTheLoopStep, state *schema.State) (schema.Update, error) {
	answer, err := e.opts.Prompter.Prompt(ctx, e.expand(s.Prompt, state))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeProcess, "read operator input: %v", err).WithCause(err)
	}
	return schema.Update{s.SaveOutput: strings.TrimSpace(answer)}, nil
}

// subPipeline runs the referenced definition on a fresh state seeded from
// With, expanded against the parent state. The update is the child's final
// variables.
func (e *Engine) subPipeline(ctx context.Context, s *schema.SubPipelineStep, state *schema.State, depth int) (schema.Update, error) {
	if e.opts.Resolver == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "sub-pipelines are not enabled")
	}

	child, err := e.opts.Resolver.Resolve(ctx, s.Pipeline, currentPipeline(ctx))
	if err != nil {
		return nil, err
	}

	seed := make(map[string]string, len(s.With))
	for k, v := range s.With {
		seed[k] = e.expand(v, state)
	}
	childState := schema.NewState(seed)

	e.logger.DebugContext(ctx, "running sub-pipeline",
		slog.String("sub_pipeline", child.Name), slog.Int("steps", len(child.Steps)))
	if err := e.executeSteps(WithPipeline(ctx, child), child.Steps, childState, depth+1); err != nil {
		return nil, err
	}
	return schema.Update(childState.Snapshot()), nil
}
