package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/pkg/schema"
)

// readlinePrompter asks the operator through an interactive line editor.
type readlinePrompter struct {
	mu sync.Mutex
}

// Prompt shows prompt and reads one line. Ctrl-C aborts the step; end of
// input yields an empty answer.
func (p *readlinePrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          strings.TrimRight(prompt, " ") + " ",
		InterruptPrompt: "^C",
		Stdout:          os.Stderr,
	})
	if err != nil {
		return "", err
	}
	defer rl.Close()

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := rl.Readline()
		ch <- answer{line, err}
	}()

	select {
	case a := <-ch:
		switch {
		case errors.Is(a.err, readline.ErrInterrupt):
			return "", schema.NewError(schema.ErrCodeCancelled, "operator interrupted the prompt")
		case errors.Is(a.err, io.EOF):
			return a.line, nil
		}
		return a.line, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// noOperator fails HumanInTheLoop steps where nobody can answer.
type noOperator struct{}

func (noOperator) Prompt(context.Context, string) (string, error) {
	return "", schema.NewError(schema.ErrCodeConfiguration, "no operator is attached to answer prompts")
}

// newPrompter picks readline for terminals and a plain line reader otherwise.
func newPrompter() engine.Prompter {
	if readline.DefaultIsTerminal() {
		return &readlinePrompter{}
	}
	return engine.NewLinePrompter(os.Stdin, os.Stderr)
}
