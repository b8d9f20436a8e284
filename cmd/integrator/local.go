package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/Integrator/internal/api"
	"github.com/dharsanguruparan/Integrator/internal/app"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/processing"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

func newLocalCmd() *cobra.Command {
	var triggerOnStart bool
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run API, workers and maintenance in one process on in-memory stores",
		Long: `local loads connectors and jobs from the connector catalog into memory, serves the HTTP
API and executes runs on an in-process worker pool. Nothing survives a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ConnectorCatalog == "" {
				logger.Warn("no connector catalog configured; the local store starts empty")
			}
			return runLocal(cmd.Context(), triggerOnStart)
		},
	}
	cmd.Flags().BoolVar(&triggerOnStart, "trigger", false, "Trigger the configured operations once at startup")
	return cmd
}

func runLocal(ctx context.Context, triggerOnStart bool) error {
	var ops []trigger.Operation
	if triggerOnStart {
		var err error
		if ops, err = trigger.ParseOperations(cfg.TriggerOperations); err != nil {
			return err
		}
	}
	a, err := app.Build(ctx, cfg, logger, app.Options{Memory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	pool := processing.New(a.Engine, a.Store, cfg.WorkerConcurrency, cfg.QueueCapacity, cfg.RunTimeout, logger)
	a.Machine.AddHook(pool)
	triggers := a.Triggers(pool)

	g, ctx := errgroup.WithContext(ctx)
	pool.Start(ctx)
	g.Go(func() error {
		pool.Wait()
		return nil
	})
	g.Go(func() error {
		return a.Maintenance(pool).Run(ctx, cfg.MaintenanceInterval)
	})
	g.Go(func() error {
		return api.New(cfg.Address, api.Deps{
			Triggers: triggers,
			Canceler: a.Machine,
			Runs:     a.Store,
			Files:    a.Store,
			Objects:  a.Objects,
			Deleter:  a.Artifacts,
			Signer:   a.Signer,
			Clock:    a.Clock,
			Logger:   logger,
		}).Run(ctx)
	})
	for _, op := range ops {
		created, skipped, failed, err := triggers.TriggerDue(ctx, op, model.CreatedViaScheduled, nil)
		if err != nil {
			logger.Error("startup trigger failed", "operation", op.String(), "error", err)
			continue
		}
		logger.Info("startup trigger", "operation", op.String(), "created", created, "skipped", skipped, "failed", failed)
	}

	logger.Info("local integrator running", "address", cfg.Address, "workers", cfg.WorkerConcurrency)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
