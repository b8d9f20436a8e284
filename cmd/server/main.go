// Command server exposes the HTTP API for triggering, canceling and reading
// runs. Runs are executed by cmd/worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/Integrator/internal/api"
	"github.com/dharsanguruparan/Integrator/internal/app"
	"github.com/dharsanguruparan/Integrator/internal/config"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, closeLog := log.New(log.ParseLevel(cfg.LogLevel), cfg.LogFile)
	defer closeLog()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("init services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	redis := app.RedisOpt(cfg)
	client := asynq.NewClient(redis)
	defer client.Close()
	inspector := asynq.NewInspector(redis)
	defer inspector.Close()

	dispatcher := queue.NewDispatcher(client, a.Store, cfg.RunTimeout, logger)
	a.Machine.AddHook(queue.NewCanceler(inspector, logger))

	srv := api.New(cfg.Address, api.Deps{
		Triggers: a.Triggers(dispatcher),
		Canceler: a.Machine,
		Runs:     a.Store,
		Files:    a.Store,
		Objects:  a.Objects,
		Deleter:  a.Artifacts,
		Signer:   a.Signer,
		Clock:    a.Clock,
		Logger:   logger,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
