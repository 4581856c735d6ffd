package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/pipeflow/pkg/schema"
)

const maxAdvisedAttempts = 10

var validBackoffs = map[string]bool{
	"": true, "none": true, "constant": true, "linear": true, "exponential": true,
}

// semanticChecker walks a decoded pipeline and records rule violations
// that the structural schema cannot express.
type semanticChecker struct {
	maxDepth int
	report   *schema.Report
}

func validateSemantic(p *schema.Pipeline, maxDepth int) *schema.Report {
	c := &semanticChecker{maxDepth: maxDepth, report: &schema.Report{}}

	if strings.TrimSpace(p.Name) == "" {
		c.report.Fail("name", "name-required", "pipeline name must not be empty")
	}
	if len(p.Steps) == 0 {
		c.report.Warn("steps", "empty-steps", "pipeline has no steps")
	}

	seen := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		if step == nil {
			continue
		}
		name := step.StepName()
		if prev, dup := seen[name]; dup && name != "" {
			c.report.Warn(indexPath("steps", i), "duplicate-name",
				"step name %q is also used by steps[%d]", name, prev)
			continue
		}
		seen[name] = i
	}

	c.walk("steps", p.Steps, 0)
	return c.report
}

func (c *semanticChecker) walk(path string, steps schema.Steps, depth int) {
	for i, step := range steps {
		c.step(indexPath(path, i), step, depth)
	}
}

func (c *semanticChecker) step(path string, step schema.Step, depth int) {
	if step == nil {
		c.report.Fail(path, "step-required", "step is empty")
		return
	}
	if depth >= c.maxDepth {
		c.report.Fail(path, "max-depth", "nesting depth exceeds limit %d", c.maxDepth)
		return
	}
	if strings.TrimSpace(step.StepName()) == "" {
		c.report.Fail(path, "name-required", "%s step must have a name", step.Kind())
	}

	switch s := step.(type) {
	case *schema.CommandStep:
		c.required(path, "command", s.Command)
		c.retry(path, s.Retry)
	case *schema.ShellCommandStep:
		c.required(path, "command", s.Command)
		c.retry(path, s.Retry)
	case *schema.ConditionStep:
		c.required(path, "condition", s.Condition)
	case *schema.RepeatUntilStep:
		c.required(path, "condition", s.Condition)
	case *schema.WhileStep:
		c.required(path, "condition", s.Condition)
		if s.MaxIterations < 0 {
			c.report.Fail(path+".max_iterations", "range", "max_iterations must not be negative")
		}
	case *schema.CountedStep:
		c.counted(path, s)
	case *schema.TimeoutStep:
		if s.Duration == 0 {
			c.report.Fail(path+".duration", "positive-duration", "timeout duration must be greater than 0")
		}
		if s.Step == nil {
			c.report.Fail(path+".step", "step-required", "timeout must wrap a step")
		}
	case *schema.MapStep:
		c.required(path, "save_output", s.SaveOutput)
	case *schema.HumanInTheLoopStep:
		c.required(path, "save_output", s.SaveOutput)
	case *schema.SubPipelineStep:
		c.required(path, "pipeline", s.Pipeline)
	}

	c.children(path, step, depth)
}

// children descends into nested step lists using their field names.
func (c *semanticChecker) children(path string, step schema.Step, depth int) {
	switch s := step.(type) {
	case *schema.TryCatchStep:
		c.walk(path+".try_steps", s.TrySteps, depth+1)
		c.walk(path+".catch_steps", s.CatchSteps, depth+1)
		c.walk(path+".finally_steps", s.FinallySteps, depth+1)
	case *schema.TimeoutStep:
		if s.Step != nil {
			c.step(path+".step", s.Step, depth+1)
		}
	default:
		for _, nested := range schema.Children(step) {
			c.walk(path+".steps", nested, depth+1)
		}
	}
}

func (c *semanticChecker) counted(path string, s *schema.CountedStep) {
	if strings.TrimSpace(string(s.Start)) == "" {
		c.report.Fail(path+".start", "field-required", "start must not be empty")
	}
	if strings.TrimSpace(string(s.End)) == "" {
		c.report.Fail(path+".end", "field-required", "end must not be empty")
	}
	if n, ok := s.Step.Literal(); ok && n == 0 {
		c.report.Fail(path+".step", "nonzero-step", "counted loop step must not be 0")
	}
}

func (c *semanticChecker) retry(path string, p *schema.RetryPolicy) {
	if p == nil {
		return
	}
	path += ".retry"
	if p.MaxAttempts < 1 {
		c.report.Fail(path+".max_attempts", "range", "max_attempts must be at least 1, got %d", p.MaxAttempts)
	} else if p.MaxAttempts > maxAdvisedAttempts {
		c.report.Warn(path+".max_attempts", "excessive-retries", "max_attempts %d is unusually high", p.MaxAttempts)
	}
	if p.DelayMs < 0 {
		c.report.Fail(path+".delay_ms", "range", "delay_ms must not be negative")
	}
	if !validBackoffs[p.Backoff] {
		c.report.Fail(path+".backoff", "enum", "unknown backoff strategy %q", p.Backoff)
	}
}

func (c *semanticChecker) required(path, field, value string) {
	if strings.TrimSpace(value) == "" {
		c.report.Fail(path+"."+field, "field-required", "%s must not be empty", field)
	}
}

func indexPath(base string, i int) string {
	return fmt.Sprintf("%s[%d]", base, i)
}
