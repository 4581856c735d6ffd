package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/pipeflow/pkg/schema"
)

func (c *cli) newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := newLoader(c.cfg)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			p, report, err := loader.Inspect(data, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeReportJSON(out, report); err != nil {
					return err
				}
			} else {
				writeReport(out, args[0], p, report)
			}
			return report.ToError()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, file string, p *schema.Pipeline, r *schema.Report) {
	for _, v := range r.Errors {
		fmt.Fprintf(w, "error   %s [%s]\n", v, v.Rule)
	}
	for _, v := range r.Warnings {
		fmt.Fprintf(w, "warning %s [%s]\n", v, v.Rule)
	}
	if r.Valid() && p != nil {
		fmt.Fprintf(w, "%s: pipeline %q is valid (%d steps)\n", file, p.Name, len(p.Steps))
	}
}

func writeReportJSON(w io.Writer, r *schema.Report) error {
	out := struct {
		Valid    bool               `json:"valid"`
		Errors   []schema.Violation `json:"errors"`
		Warnings []schema.Violation `json:"warnings"`
	}{r.Valid(), r.Errors, r.Warnings}
	if out.Errors == nil {
		out.Errors = []schema.Violation{}
	}
	if out.Warnings == nil {
		out.Warnings = []schema.Violation{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
