package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/internal/store"
	"github.com/rendis/pipeflow/pkg/schema"
)

func (c *cli) newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or remove stored run state",
	}
	cmd.AddCommand(c.newStateShowCmd(), c.newStateDeleteCmd())
	return cmd
}

func (c *cli) openStateApp(cmd *cobra.Command) (*app, error) {
	return newApp(cmd.Context(), c.cfg, appOptions{
		Output: io.Discard,
		Logs:   cmd.ErrOrStderr(),
	})
}

func (c *cli) newStateShowCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "show <pipeline> <run-id>",
		Short: "Print the stored state of a run as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openStateApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			key := store.Key(args[0], args[1])
			saved, ok, err := a.store.Load(cmd.Context(), key)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodePersistence, "load state %s: %v", key, err).WithCause(err)
			}
			if !ok {
				return schema.NewErrorf(schema.ErrCodeNotFound, "no stored state for pipeline %q run %q", args[0], args[1])
			}
			doc := engine.NewRunDocument(saved, saved.UpdatedAt.Unix())
			return engine.RenderDocument(cmd.Context(), cmd.OutOrStdout(), doc, query)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "jq filter applied to the state document")
	return cmd
}

func (c *cli) newStateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline> <run-id>",
		Short: "Remove the stored state of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openStateApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			key := store.Key(args[0], args[1])
			if err := a.store.Delete(cmd.Context(), key); err != nil {
				return schema.NewErrorf(schema.ErrCodePersistence, "delete state %s: %v", key, err).WithCause(err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted state %s\n", key)
			return err
		},
	}
}
