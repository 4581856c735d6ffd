package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/internal/scheduler"
)

func (c *cli) newScheduleCmd() *cobra.Command {
	var (
		cronExpr string
		input    string
	)

	cmd := &cobra.Command{
		Use:   "schedule <file>",
		Short: "Run a pipeline on a cron schedule until interrupted",
		Long: `Schedule runs the pipeline in <file> at every activation of a five-field
cron expression, each time with a fresh run id. An activation that arrives
while the previous run is still going is skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, c.cfg, appOptions{
				Output:   cmd.OutOrStdout(),
				Logs:     cmd.ErrOrStderr(),
				Prompter: noOperator{},
			})
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.loader.Load(args[0])
			if err != nil {
				return err
			}

			runner := scheduler.RunnerFunc(func(ctx context.Context, runID string) error {
				_, err := a.executor.Run(ctx, def, input, engine.RunOptions{RunID: runID})
				return err
			})
			s, err := scheduler.New(cronExpr, runner, a.logger.With(slog.String("pipeline", def.Name)))
			if err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return s.Stop()
		},
	}

	cmd.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression, e.g. \"*/15 * * * *\"")
	cmd.Flags().StringVar(&input, "input", "", "value seeded into the input variable of every run")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}
