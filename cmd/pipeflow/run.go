package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/pipeflow/internal/engine"
)

func (c *cli) newRunCmd() *cobra.Command {
	var (
		input string
		opts  engine.RunOptions
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a pipeline definition",
		Long: `Run executes the pipeline in <file>. When state exists for the run id the
run resumes at the first step that did not complete; --force-fresh starts
over. With --json the PrintOutput steps are silenced and the persisted state
is printed as one JSON document, optionally filtered by --query.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, c.cfg, appOptions{
				Output:   cmd.OutOrStdout(),
				Logs:     cmd.ErrOrStderr(),
				Prompter: newPrompter(),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.loader.Load(args[0])
			if err != nil {
				return err
			}
			_, err = a.executor.Run(ctx, def, input, opts)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&input, "input", "", "value seeded into the input variable of a fresh run")
	f.StringVar(&opts.RunID, "run-id", "", "run identifier (default: a new UUID)")
	f.BoolVar(&opts.ForceFresh, "force-fresh", false, "ignore stored state for this run")
	f.BoolVar(&opts.JSONOutput, "json", false, "print the final state as JSON instead of a summary")
	f.StringVar(&opts.Query, "query", "", "jq filter applied to the JSON output (implies --json)")

	cmd.PreRun = func(*cobra.Command, []string) {
		if opts.Query != "" {
			opts.JSONOutput = true
		}
	}
	return cmd
}
