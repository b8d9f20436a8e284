// Command worker executes runs and maintenance tasks from the asynq queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/Integrator/internal/app"
	"github.com/dharsanguruparan/Integrator/internal/config"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/queue"
	"github.com/dharsanguruparan/Integrator/internal/worker"
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

	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      queue.Queues(),
		Logger:      log.AsynqLogger(logger),
	})
	processor := worker.NewProcessor(a.Engine, a.Maintenance(dispatcher), a.CheckRuns, a.Triggers(dispatcher), logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
