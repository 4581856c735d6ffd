package schema

import (
	"fmt"
	"strings"
)

// Severity distinguishes blocking violations from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one definition problem located by a step path such as steps[2].try_steps[0].
type Violation struct {
	Path     string   `json:"path"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Report aggregates the violations found while validating a definition.
type Report struct {
	Errors   []Violation `json:"errors,omitempty"`
	Warnings []Violation `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Fail records a blocking violation.
func (r *Report) Fail(path, rule, format string, args ...any) {
	r.Errors = append(r.Errors, Violation{
		Path: path, Rule: rule, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// Warn records an advisory violation.
func (r *Report) Warn(path, rule, format string, args ...any) {
	r.Warnings = append(r.Warnings, Violation{
		Path: path, Rule: rule, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

// Merge combines another report into this one.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the report to a configuration error, or nil when valid.
func (r *Report) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		lines := make([]string, len(r.Errors))
		for i, v := range r.Errors {
			lines[i] = v.String()
		}
		msg = fmt.Sprintf("definition has %d errors: %s", len(r.Errors), strings.Join(lines, "; "))
	}

	return NewError(ErrCodeConfiguration, msg).
		WithDetails(map[string]any{
			"violations": r.Errors,
			"warnings":   r.Warnings,
		})
}
