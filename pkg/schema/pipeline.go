package schema

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Pipeline is a named, ordered list of steps. Immutable for the duration of a run.
type Pipeline struct {
	Name  string `json:"name" yaml:"name"`
	Steps Steps  `json:"steps" yaml:"steps"`

	// Source is the file the definition was loaded from, if any.
	// SubPipeline references resolve relative to its directory.
	Source string `json:"-" yaml:"-"`
}

// StepKind is the external tag identifying a step variant.
type StepKind string

const (
	KindCommand        StepKind = "Command"
	KindShellCommand   StepKind = "ShellCommand"
	KindCondition      StepKind = "Condition"
	KindPrintOutput    StepKind = "PrintOutput"
	KindRepeatUntil    StepKind = "RepeatUntil"
	KindForEach        StepKind = "ForEach"
	KindWhile          StepKind = "While"
	KindCounted        StepKind = "Counted"
	KindTryCatch       StepKind = "TryCatch"
	KindTimeout        StepKind = "Timeout"
	KindParallel       StepKind = "Parallel"
	KindMap            StepKind = "Map"
	KindHumanInTheLoop StepKind = "HumanInTheLoop"
	KindSubPipeline    StepKind = "SubPipeline"
)

// Step is one declarative unit of pipeline work. The set of variants is closed:
// only the types in this file implement it.
type Step interface {
	StepName() string
	Kind() StepKind
	isStep()
}

// Steps is an ordered step list with externally tagged YAML encoding.
type Steps []Step

// RetryPolicy governs re-invocation of a command after a process failure.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	DelayMs     int64  `json:"delay_ms" yaml:"delay_ms"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none, constant, linear, exponential
	MaxDelayMs  int64  `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// Attempts returns the total number of invocations allowed, never less than 1.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// CommandStep runs a program directly when Args is set, otherwise through sh -c.
type CommandStep struct {
	Name       string       `json:"name" yaml:"name"`
	Command    string       `json:"command" yaml:"command"`
	Args       []string     `json:"args,omitempty" yaml:"args,omitempty"`
	SaveOutput string       `json:"save_output,omitempty" yaml:"save_output,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// ShellCommandStep runs command through the configured shell.
type ShellCommandStep struct {
	Name       string       `json:"name" yaml:"name"`
	Command    string       `json:"command" yaml:"command"`
	SaveOutput string       `json:"save_output,omitempty" yaml:"save_output,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// ConditionStep evaluates a shell predicate and runs one of two raw commands.
type ConditionStep struct {
	Name      string `json:"name" yaml:"name"`
	Condition string `json:"condition" yaml:"condition"`
	IfTrue    string `json:"if_true" yaml:"if_true"`
	IfFalse   string `json:"if_false" yaml:"if_false"`
}

// PrintOutputStep emits an expanded value.
type PrintOutputStep struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// RepeatUntilStep runs its body, then stops once the condition holds.
type RepeatUntilStep struct {
	Name      string `json:"name" yaml:"name"`
	Steps     Steps  `json:"steps" yaml:"steps"`
	Condition string `json:"condition" yaml:"condition"`
}

// ForEachStep binds each comma-separated item and runs its body.
type ForEachStep struct {
	Name         string `json:"name" yaml:"name"`
	Items        string `json:"items" yaml:"items"`
	Steps        Steps  `json:"steps" yaml:"steps"`
	ItemVariable string `json:"item_variable,omitempty" yaml:"item_variable,omitempty"`
}

// Variable returns the loop variable name, ITEM unless overridden.
func (s *ForEachStep) Variable() string {
	if s.ItemVariable != "" {
		return s.ItemVariable
	}
	return "ITEM"
}

// WhileStep checks its condition before every iteration.
type WhileStep struct {
	Name          string `json:"name" yaml:"name"`
	Condition     string `json:"condition" yaml:"condition"`
	Steps         Steps  `json:"steps" yaml:"steps"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// CountedStep iterates an integer counter from Start to End inclusive.
type CountedStep struct {
	Name            string  `json:"name" yaml:"name"`
	Start           IntExpr `json:"start" yaml:"start"`
	End             IntExpr `json:"end" yaml:"end"`
	Step            IntExpr `json:"step" yaml:"step"`
	CounterVariable string  `json:"counter_variable,omitempty" yaml:"counter_variable,omitempty"`
	Steps           Steps   `json:"steps" yaml:"steps"`
}

// Counter returns the counter variable name, i unless overridden.
func (s *CountedStep) Counter() string {
	if s.CounterVariable != "" {
		return s.CounterVariable
	}
	return "i"
}

// TryCatchStep converts a failure in TrySteps into CatchSteps; FinallySteps always run.
type TryCatchStep struct {
	Name         string `json:"name" yaml:"name"`
	TrySteps     Steps  `json:"try_steps" yaml:"try_steps"`
	CatchSteps   Steps  `json:"catch_steps" yaml:"catch_steps"`
	FinallySteps Steps  `json:"finally_steps" yaml:"finally_steps"`
}

// TimeoutStep bounds the wall-clock duration of a single wrapped step.
type TimeoutStep struct {
	Name     string `json:"name"`
	Duration uint64 `json:"duration"` // seconds
	Step     Step   `json:"step"`
}

// maxTimeoutSeconds is the largest duration representable as a time.Duration.
const maxTimeoutSeconds = uint64(math.MaxInt64 / int64(time.Second))

// Limit returns the bound as a time.Duration, saturating at the largest
// representable duration.
func (s *TimeoutStep) Limit() time.Duration {
	if s.Duration > maxTimeoutSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s.Duration) * time.Second
}

// ParallelStep runs its children concurrently against state snapshots.
type ParallelStep struct {
	Name  string `json:"name" yaml:"name"`
	Steps Steps  `json:"steps" yaml:"steps"`
}

// MapStep runs Command once per comma-separated item of Input.
type MapStep struct {
	Name       string `json:"name" yaml:"name"`
	Input      string `json:"input" yaml:"input"`
	Command    string `json:"command" yaml:"command"`
	SaveOutput string `json:"save_output" yaml:"save_output"`
}

// HumanInTheLoopStep asks an operator for one line of input.
type HumanInTheLoopStep struct {
	Name       string `json:"name" yaml:"name"`
	Prompt     string `json:"prompt" yaml:"prompt"`
	SaveOutput string `json:"save_output" yaml:"save_output"`
}

// SubPipelineStep runs another pipeline definition with seeded variables.
type SubPipelineStep struct {
	Name     string            `json:"name" yaml:"name"`
	Pipeline string            `json:"pipeline" yaml:"pipeline"`
	With     map[string]string `json:"with,omitempty" yaml:"with,omitempty"`
}

func (s *CommandStep) StepName() string        { return s.Name }
func (s *ShellCommandStep) StepName() string   { return s.Name }
func (s *ConditionStep) StepName() string      { return s.Name }
func (s *PrintOutputStep) StepName() string    { return s.Name }
func (s *RepeatUntilStep) StepName() string    { return s.Name }
func (s *ForEachStep) StepName() string        { return s.Name }
func (s *WhileStep) StepName() string          { return s.Name }
func (s *CountedStep) StepName() string        { return s.Name }
func (s *TryCatchStep) StepName() string       { return s.Name }
func (s *TimeoutStep) StepName() string        { return s.Name }
func (s *ParallelStep) StepName() string       { return s.Name }
func (s *MapStep) StepName() string            { return s.Name }
func (s *HumanInTheLoopStep) StepName() string { return s.Name }
func (s *SubPipelineStep) StepName() string    { return s.Name }

func (s *CommandStep) Kind() StepKind        { return KindCommand }
func (s *ShellCommandStep) Kind() StepKind   { return KindShellCommand }
func (s *ConditionStep) Kind() StepKind      { return KindCondition }
func (s *PrintOutputStep) Kind() StepKind    { return KindPrintOutput }
func (s *RepeatUntilStep) Kind() StepKind    { return KindRepeatUntil }
func (s *ForEachStep) Kind() StepKind        { return KindForEach }
func (s *WhileStep) Kind() StepKind          { return KindWhile }
func (s *CountedStep) Kind() StepKind        { return KindCounted }
func (s *TryCatchStep) Kind() StepKind       { return KindTryCatch }
func (s *TimeoutStep) Kind() StepKind        { return KindTimeout }
func (s *ParallelStep) Kind() StepKind       { return KindParallel }
func (s *MapStep) Kind() StepKind            { return KindMap }
func (s *HumanInTheLoopStep) Kind() StepKind { return KindHumanInTheLoop }
func (s *SubPipelineStep) Kind() StepKind    { return KindSubPipeline }

func (*CommandStep) isStep()        {}
func (*ShellCommandStep) isStep()   {}
func (*ConditionStep) isStep()      {}
func (*PrintOutputStep) isStep()    {}
func (*RepeatUntilStep) isStep()    {}
func (*ForEachStep) isStep()        {}
func (*WhileStep) isStep()          {}
func (*CountedStep) isStep()        {}
func (*TryCatchStep) isStep()       {}
func (*TimeoutStep) isStep()        {}
func (*ParallelStep) isStep()       {}
func (*MapStep) isStep()            {}
func (*HumanInTheLoopStep) isStep() {}
func (*SubPipelineStep) isStep()    {}

// Children returns the nested step lists of compound steps, in declaration order.
func Children(s Step) []Steps {
	switch v := s.(type) {
	case *RepeatUntilStep:
		return []Steps{v.Steps}
	case *ForEachStep:
		return []Steps{v.Steps}
	case *WhileStep:
		return []Steps{v.Steps}
	case *CountedStep:
		return []Steps{v.Steps}
	case *TryCatchStep:
		return []Steps{v.TrySteps, v.CatchSteps, v.FinallySteps}
	case *ParallelStep:
		return []Steps{v.Steps}
	case *TimeoutStep:
		if v.Step == nil {
			return nil
		}
		return []Steps{{v.Step}}
	}
	return nil
}

// IntExpr is an integer bound given either as a literal or as an arithmetic
// expression that may reference pipeline variables.
type IntExpr string

// Literal returns the value when the expression is a plain integer.
func (e IntExpr) Literal() (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(e)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
