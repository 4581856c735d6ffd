package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/pipeflow/pkg/mcp"
)

func (c *cli) newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve pipeline tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// stdout carries the protocol; step output is dropped.
			a, err := newApp(ctx, c.cfg, appOptions{
				Output:   io.Discard,
				Logs:     cmd.ErrOrStderr(),
				Prompter: noOperator{},
			})
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Executor: a.executor,
				Loader:   a.loader,
				Logger:   a.logger,
				Version:  version,
			})
			return srv.Serve(ctx)
		},
	}
}
