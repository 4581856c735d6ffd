package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/pipeflow/pkg/schema"
)

const pipelineSchemaURL = "https://pipeflow.dev/schemas/pipeline.json"

// pipelineSchemaJSON describes the decoded definition document. Steps are
// externally tagged: a mapping with exactly one variant key.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipeflow.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "steps": { "$ref": "#/$defs/steps" }
  },
  "additionalProperties": false,
  "$defs": {
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "Command": { "$ref": "#/$defs/command" },
        "ShellCommand": { "$ref": "#/$defs/shell_command" },
        "Condition": { "$ref": "#/$defs/condition" },
        "PrintOutput": { "$ref": "#/$defs/print_output" },
        "RepeatUntil": { "$ref": "#/$defs/repeat_until" },
        "ForEach": { "$ref": "#/$defs/for_each" },
        "While": { "$ref": "#/$defs/while" },
        "Counted": { "$ref": "#/$defs/counted" },
        "TryCatch": { "$ref": "#/$defs/try_catch" },
        "Timeout": { "$ref": "#/$defs/timeout" },
        "Parallel": { "$ref": "#/$defs/parallel" },
        "Map": { "$ref": "#/$defs/map" },
        "HumanInTheLoop": { "$ref": "#/$defs/human_in_the_loop" },
        "SubPipeline": { "$ref": "#/$defs/sub_pipeline" }
      },
      "additionalProperties": false
    },
    "name": { "type": "string" },
    "bound": { "type": ["integer", "string"] },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer" },
        "delay_ms": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "max_delay_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "command": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "command": { "type": "string" },
        "args": { "type": "array", "items": { "type": "string" } },
        "save_output": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "shell_command": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "command": { "type": "string" },
        "save_output": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["name", "condition"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "condition": { "type": "string" },
        "if_true": { "type": "string" },
        "if_false": { "type": "string" }
      },
      "additionalProperties": false
    },
    "print_output": {
      "type": "object",
      "required": ["name", "value"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "repeat_until": {
      "type": "object",
      "required": ["name", "steps", "condition"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "steps": { "$ref": "#/$defs/steps" },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "for_each": {
      "type": "object",
      "required": ["name", "items", "steps"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "items": { "type": "string" },
        "steps": { "$ref": "#/$defs/steps" },
        "item_variable": { "type": "string" }
      },
      "additionalProperties": false
    },
    "while": {
      "type": "object",
      "required": ["name", "condition", "steps"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "condition": { "type": "string" },
        "steps": { "$ref": "#/$defs/steps" },
        "max_iterations": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "counted": {
      "type": "object",
      "required": ["name", "start", "end", "steps"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "start": { "$ref": "#/$defs/bound" },
        "end": { "$ref": "#/$defs/bound" },
        "step": { "$ref": "#/$defs/bound" },
        "counter_variable": { "type": "string" },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "try_catch": {
      "type": "object",
      "required": ["name", "try_steps"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "try_steps": { "$ref": "#/$defs/steps" },
        "catch_steps": { "$ref": "#/$defs/steps" },
        "finally_steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "timeout": {
      "type": "object",
      "required": ["name", "duration", "step"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "duration": { "type": "integer", "minimum": 0 },
        "step": { "$ref": "#/$defs/step" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["name", "steps"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "map": {
      "type": "object",
      "required": ["name", "input", "command", "save_output"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "input": { "type": "string" },
        "command": { "type": "string" },
        "save_output": { "type": "string" }
      },
      "additionalProperties": false
    },
    "human_in_the_loop": {
      "type": "object",
      "required": ["name", "prompt", "save_output"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "prompt": { "type": "string" },
        "save_output": { "type": "string" }
      },
      "additionalProperties": false
    },
    "sub_pipeline": {
      "type": "object",
      "required": ["name", "pipeline"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "pipeline": { "type": "string" },
        "with": { "type": "object", "additionalProperties": { "type": "string" } }
      },
      "additionalProperties": false
    }
  }
}`

// compilePipelineSchema compiles the embedded definition schema.
func compilePipelineSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return compiled, nil
}

// validateStructural checks a decoded document against the schema.
func validateStructural(s *jsonschema.Schema, doc any) *schema.Report {
	report := &schema.Report{}

	value, err := toJSONValue(doc)
	if err != nil {
		report.Fail("/", "document", "definition is not representable as JSON: %v", err)
		return report
	}
	if err := s.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			report.Fail("/", "schema", "%s", err.Error())
			return report
		}
		for _, v := range collectViolations(verr) {
			report.Fail(v.Path, "schema", "%s", v.Message)
		}
	}
	return report
}

// toJSONValue round-trips a value through JSON so numbers become json.Number,
// as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type leafViolation struct {
	Path    string
	Message string
}

// collectViolations walks a ValidationError tree and keeps the leaf errors.
func collectViolations(verr *jsonschema.ValidationError) []leafViolation {
	if len(verr.Causes) == 0 {
		return []leafViolation{{Path: instancePath(verr.InstanceLocation), Message: verr.Error()}}
	}
	var out []leafViolation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// instancePath renders ["steps","2","Counted","step"] as steps[2].Counted.step.
func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, part := range loc {
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
