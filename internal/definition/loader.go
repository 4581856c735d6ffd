// Package definition reads pipeline definitions from YAML or JSON and
// validates them before they reach the engine.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rendis/pipeflow/internal/validation"
	"github.com/rendis/pipeflow/pkg/schema"
)

// Loader parses and validates definitions. It is safe for concurrent use.
type Loader struct {
	validator *validation.Validator
}

// NewLoader creates a Loader backed by v.
func NewLoader(v *validation.Validator) *Loader {
	return &Loader{validator: v}
}

// Load reads and validates the definition at path.
func (l *Loader) Load(path string) (*schema.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline definition %s not found", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read pipeline definition %s: %v", path, err).WithCause(err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return l.Parse(data, abs)
}

// Parse validates data and returns the decoded pipeline. source is recorded
// on the result and may be empty for inline definitions.
func (l *Loader) Parse(data []byte, source string) (*schema.Pipeline, error) {
	p, report, err := l.Inspect(data, source)
	if err != nil {
		return nil, err
	}
	if err := report.ToError(); err != nil {
		return nil, err
	}
	return p, nil
}

// Inspect decodes data and returns the validation report without failing on
// violations. The pipeline is nil when the document is structurally invalid.
// Syntax errors and unknown step kinds are returned as errors.
func (l *Loader) Inspect(data []byte, source string) (*schema.Pipeline, *schema.Report, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline definition is empty").
			WithDetails(map[string]any{"source": source})
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse %s: %v", label(source), err).WithCause(err)
	}

	var p schema.Pipeline
	decodeErr := yaml.Unmarshal(data, &p)
	if schema.HasCode(decodeErr, schema.ErrCodeUnknownStep) {
		return nil, nil, decodeErr
	}

	report := l.validator.ValidateDocument(doc)
	if !report.Valid() {
		return nil, report, nil
	}
	if decodeErr != nil {
		return nil, nil, asConfiguration(decodeErr, source)
	}

	report.Merge(l.validator.ValidatePipeline(&p))
	p.Source = source
	return &p, report, nil
}

func asConfiguration(err error, source string) error {
	var pErr *schema.PipelineError
	if errors.As(err, &pErr) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "decode %s: %v", label(source), err).WithCause(err)
}

func label(source string) string {
	if source == "" {
		return "inline definition"
	}
	return fmt.Sprintf("%q", source)
}
