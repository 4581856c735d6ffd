package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rendis/pipeflow/internal/definition"
	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/internal/logging"
	"github.com/rendis/pipeflow/internal/store"
	"github.com/rendis/pipeflow/internal/streaming"
	"github.com/rendis/pipeflow/internal/validation"
)

// appOptions carries the per-command I/O choices.
type appOptions struct {
	// Output receives PrintOutput values and the run report.
	Output io.Writer
	// Logs receives the structured log.
	Logs     io.Writer
	Prompter engine.Prompter
}

// app is the wired component graph shared by the commands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.StateStore
	hub      *streaming.MemoryHub
	loader   *definition.Loader
	executor *engine.PipelineExecutor
	metrics  *streaming.MetricsListener

	stops   []func()
	closers []io.Closer
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(w, level, cfg.Log.Format), nil
}

func newLoader(cfg Config) (*definition.Loader, error) {
	v, err := validation.NewValidator(cfg.Engine.MaxDepth)
	if err != nil {
		return nil, err
	}
	return definition.NewLoader(v), nil
}

// newApp opens the state store and wires engine, executor and listeners.
func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	logger, err := newLogger(cfg, opts.Logs)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.storeConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", cfg.State.Backend, err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		hub:    streaming.NewMemoryHub(),
		loader: loader,
	}
	if err := a.attachListeners(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	engOpts := cfg.engineOptions()
	engOpts.Output = opts.Output
	engOpts.Prompter = opts.Prompter
	engOpts.Resolver = definition.NewFileResolver(loader, "")
	engOpts.Hub = a.hub
	engOpts.Logger = logger

	a.executor = engine.NewPipelineExecutor(engine.New(engOpts), st, engine.ExecutorOptions{
		Output: opts.Output,
		Logger: logger,
	})
	return a, nil
}

func (a *app) attachListeners(ctx context.Context) error {
	attach := func(l streaming.Listener) error {
		stop, err := streaming.Attach(ctx, a.hub, streaming.EventFilter{}, l, a.logger)
		if err != nil {
			return err
		}
		a.stops = append(a.stops, stop)
		return nil
	}

	if err := attach(&streaming.LogListener{Logger: a.logger}); err != nil {
		return err
	}

	if path := a.cfg.Events.File; path != "" {
		fl, err := streaming.NewFileListener(path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, fl)
		if err := attach(fl); err != nil {
			return err
		}
	}

	if a.cfg.Events.Journal {
		sqlStore, ok := a.store.(*store.SQLStore)
		if !ok {
			a.logger.Warn("event journal needs a SQL state backend, skipping",
				slog.String("backend", a.cfg.State.Backend))
		} else if err := attach(store.NewJournal(sqlStore)); err != nil {
			return err
		}
	}

	if a.cfg.Events.Metrics {
		a.metrics = streaming.NewMetricsListener()
		if err := attach(a.metrics); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the listeners and releases the store.
func (a *app) Close() error {
	for _, stop := range a.stops {
		stop()
	}
	a.stops = nil

	if a.metrics != nil {
		snap := a.metrics.Snapshot()
		a.logger.Info("run metrics", slog.Any("events", snap.Events), slog.Any("steps", snap.Steps))
	}

	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
