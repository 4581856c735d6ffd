package schema

import (
	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a sequence of externally tagged steps:
//
//	- Command: {name: build, command: make}
func (s *Steps) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return NewErrorf(ErrCodeConfiguration, "line %d: steps must be a sequence", node.Line)
	}
	out := make(Steps, 0, len(node.Content))
	for _, item := range node.Content {
		step, err := DecodeStep(item)
		if err != nil {
			return err
		}
		out = append(out, step)
	}
	*s = out
	return nil
}

// DecodeStep decodes one externally tagged step node.
func DecodeStep(node *yaml.Node) (Step, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return nil, NewErrorf(ErrCodeConfiguration, "line %d: a step must be a mapping with exactly one variant key", node.Line)
	}
	tag, body := node.Content[0].Value, node.Content[1]

	var step Step
	switch StepKind(tag) {
	case KindCommand:
		step = &CommandStep{}
	case KindShellCommand:
		step = &ShellCommandStep{}
	case KindCondition:
		step = &ConditionStep{}
	case KindPrintOutput:
		step = &PrintOutputStep{}
	case KindRepeatUntil:
		step = &RepeatUntilStep{}
	case KindForEach:
		step = &ForEachStep{}
	case KindWhile:
		step = &WhileStep{}
	case KindCounted:
		step = &CountedStep{}
	case KindTryCatch:
		step = &TryCatchStep{}
	case KindTimeout:
		step = &TimeoutStep{}
	case KindParallel:
		step = &ParallelStep{}
	case KindMap:
		step = &MapStep{}
	case KindHumanInTheLoop:
		step = &HumanInTheLoopStep{}
	case KindSubPipeline:
		step = &SubPipelineStep{}
	default:
		return nil, NewErrorf(ErrCodeUnknownStep, "line %d: unknown step kind %q", node.Line, tag).
			WithDetails(map[string]any{"kind": tag})
	}

	if err := body.Decode(step); err != nil {
		if _, ok := err.(*PipelineError); ok {
			return nil, err
		}
		return nil, NewErrorf(ErrCodeConfiguration, "line %d: invalid %s step: %v", body.Line, tag, err).WithCause(err)
	}
	return step, nil
}

// UnmarshalYAML decodes the wrapped step, which is itself externally tagged.
func (s *TimeoutStep) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name     string    `yaml:"name"`
		Duration uint64    `yaml:"duration"`
		Step     yaml.Node `yaml:"step"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Duration = raw.Duration
	if raw.Step.Kind == 0 {
		return NewErrorf(ErrCodeConfiguration, "line %d: timeout step %q has no wrapped step", node.Line, raw.Name).WithStep(raw.Name)
	}
	inner, err := DecodeStep(&raw.Step)
	if err != nil {
		return err
	}
	s.Step = inner
	return nil
}

// UnmarshalYAML accepts integer literals and expression strings alike.
func (e *IntExpr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return NewErrorf(ErrCodeConfiguration, "line %d: expected an integer or expression", node.Line)
	}
	*e = IntExpr(node.Value)
	return nil
}
