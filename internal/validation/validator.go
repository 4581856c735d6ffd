// Package validation checks pipeline definitions before they run.
package validation

import (
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/pipeflow/pkg/schema"
)

// DefaultMaxDepth matches the engine's nesting limit.
const DefaultMaxDepth = 64

// Validator runs the structural and semantic checks over a definition.
// It is safe for concurrent use.
type Validator struct {
	schema   *jsonschema.Schema
	maxDepth int
}

// NewValidator compiles the definition schema. maxDepth <= 0 selects DefaultMaxDepth.
func NewValidator(maxDepth int) (*Validator, error) {
	compiled, err := compilePipelineSchema()
	if err != nil {
		return nil, fmt.Errorf("pipeline schema: %w", err)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Validator{schema: compiled, maxDepth: maxDepth}, nil
}

// ValidateDocument checks a generically decoded definition document
// (maps, slices and scalars) against the pipeline schema.
func (v *Validator) ValidateDocument(doc any) *schema.Report {
	return validateStructural(v.schema, doc)
}

// ValidatePipeline checks the rules that hold across steps: names, bounds,
// durations, retry policies, required fields and nesting depth.
func (v *Validator) ValidatePipeline(p *schema.Pipeline) *schema.Report {
	if p == nil {
		r := &schema.Report{}
		r.Fail("/", "document", "definition is empty")
		return r
	}
	return validateSemantic(p, v.maxDepth)
}

// Validate runs both stages. The semantic stage is skipped when doc is
// structurally invalid, since the typed pipeline may be partial.
func (v *Validator) Validate(doc any, p *schema.Pipeline) *schema.Report {
	report := &schema.Report{}
	if doc != nil {
		report.Merge(v.ValidateDocument(doc))
		if !report.Valid() {
			return report
		}
	}
	report.Merge(v.ValidatePipeline(p))
	return report
}
