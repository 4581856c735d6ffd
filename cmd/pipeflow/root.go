package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags layered over file and env config.
type rootFlags struct {
	configPath    string
	logLevel      string
	logFormat     string
	stateDir      string
	backend       string
	databaseURL   string
	parallelLimit int
	eventsFile    string
}

type cli struct {
	flags  rootFlags
	cfg    Config
	getenv func(string) string
}

func newRootCmd() *cobra.Command {
	c := &cli{getenv: os.Getenv}

	root := &cobra.Command{
		Use:   "pipeflow",
		Short: "Run declarative shell pipelines with resumable state",
		Long: `pipeflow executes pipelines of shell commands, loops, conditionals and
parallel blocks described in YAML or JSON. Progress is checkpointed after
every top-level step, so a failed run resumes where it stopped when it is
started again with the same run id.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.flags.configPath, "config", "", "config file (default ./pipeflow.toml, then ~/.pipeflow/config.toml)")
	f.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&c.flags.logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&c.flags.stateDir, "state-dir", "", "state directory for the file backend")
	f.StringVar(&c.flags.backend, "backend", "", "state backend: file, memory, libsql, postgres, redis, blob")
	f.StringVar(&c.flags.databaseURL, "database-url", "", "libSQL path or Postgres connection string")
	f.IntVar(&c.flags.parallelLimit, "parallel-limit", 0, "maximum concurrent branches per parallel block")
	f.StringVar(&c.flags.eventsFile, "events-file", "", "append run events to this file as JSON lines")

	root.AddCommand(
		c.newRunCmd(),
		c.newValidateCmd(),
		c.newStateCmd(),
		c.newScheduleCmd(),
		c.newMCPCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the effective configuration for cmd.
func (c *cli) loadConfig(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.flags.configPath, c.getenv)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { cfg.Log.Level = c.flags.logLevel })
	set("log-format", func() { cfg.Log.Format = c.flags.logFormat })
	set("state-dir", func() { cfg.State.Dir = c.flags.stateDir })
	set("backend", func() { cfg.State.Backend = c.flags.backend })
	set("database-url", func() { cfg.State.DatabaseURL = c.flags.databaseURL })
	set("parallel-limit", func() { cfg.Engine.ParallelLimit = c.flags.parallelLimit })
	set("events-file", func() { cfg.Events.File = c.flags.eventsFile })

	if err := cfg.validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}
