package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/Integrator/internal/app"
	"github.com/dharsanguruparan/Integrator/internal/config"
	"github.com/dharsanguruparan/Integrator/internal/database"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/log"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/queue"
	"github.com/dharsanguruparan/Integrator/internal/retry"
	"github.com/dharsanguruparan/Integrator/internal/signing"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	closeLog   = func() error { return nil }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	_ = closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrator: %v\n", err)
		if hints := errors.FlattenHints(err); hints != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hints)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrator",
		Short: "Integration runner operations CLI",
		Long: `integrator triggers and cancels runs, applies migrations, runs maintenance passes and
registers the periodic schedule. "integrator local" runs the whole system in one process
on in-memory stores for development.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closeLog = log.New(log.ParseLevel(cfg.LogLevel), cfg.LogFile)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, toml or json)")
	cmd.AddCommand(
		newMigrateCmd(),
		newTriggerCmd(),
		newTriggerDueCmd(),
		newCancelCmd(),
		newMaintainCmd(),
		newSignCmd(),
		newScheduleCmd(),
		newLocalCmd(),
	)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL, retry.ConnectPolicy(), logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			switch direction {
			case "down":
				err = database.MigrateDown(pool)
			case "up":
				err = database.Migrate(pool)
			}
			if err != nil {
				return err
			}
			version, dirty, err := database.Version(pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	return cmd
}

// withQueue builds the services backed by Postgres with runs dispatched to
// asynq.
func withQueue(ctx context.Context, fn func(a *app.App, d *queue.Dispatcher) error) error {
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	redis := app.RedisOpt(cfg)
	client := asynq.NewClient(redis)
	defer client.Close()
	inspector := asynq.NewInspector(redis)
	defer inspector.Close()
	a.Machine.AddHook(queue.NewCanceler(inspector, logger))
	return fn(a, queue.NewDispatcher(client, a.Store, cfg.RunTimeout, logger))
}

func newTriggerCmd() *cobra.Command {
	var (
		via     string
		dryRun  bool
		manual  bool
		params  string
		billpay []string
	)
	cmd := &cobra.Command{
		Use:   "trigger JOB_ID ACTION",
		Short: "Create and schedule one run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := trigger.Request{
				JobID:      args[0],
				Action:     model.Action(args[1]),
				CreatedVia: model.CreatedVia(via),
				DryRun:     dryRun,
			}
			if !req.Action.Valid() {
				return errors.Newf("unknown action %q", args[1])
			}
			if cmd.Flags().Changed("manual") {
				req.IsManual = &manual
			}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
					return errors.Wrap(err, "parse --params")
				}
			}
			if len(billpay) > 0 {
				if req.Params == nil {
					req.Params = model.Params{}
				}
				accounting, err := billPayEntries(billpay)
				if err != nil {
					return err
				}
				req.Params[model.ParamAccounting] = accounting
			}
			return withQueue(cmd.Context(), func(a *app.App, d *queue.Dispatcher) error {
				res, err := a.Triggers(d).Trigger(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&via, "via", string(model.CreatedViaAdminRequest), "created_via recorded on the run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop after login")
	cmd.Flags().BoolVar(&manual, "manual", false, "Override the connector's manual flag for downloads")
	cmd.Flags().StringVar(&params, "params", "", "Request parameters as a JSON object")
	cmd.Flags().StringSliceVar(&billpay, "billpay-export", nil, "Bill pay export documents to export as payments")
	return cmd
}

func billPayEntries(paths []string) (map[string]any, error) {
	exports := make([]trigger.BillPayExport, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		export, err := trigger.DecodeBillPayExport(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		exports = append(exports, export)
	}
	return trigger.AccountingEntries(nil, exports...), nil
}

func newTriggerDueCmd() *cobra.Command {
	var (
		operations string
		via        string
		jobIDs     []string
	)
	cmd := &cobra.Command{
		Use:   "trigger-due",
		Short: "Trigger every runnable job for each operation",
		Long: `trigger-due is the timer entry point. Operations are actions, optionally suffixed with
":manual" for manual downloads, e.g. "invoice.download,invoice.download:manual".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if operations == "" {
				operations = cfg.TriggerOperations
			}
			ops, err := trigger.ParseOperations(operations)
			if err != nil {
				return err
			}
			return withQueue(cmd.Context(), func(a *app.App, d *queue.Dispatcher) error {
				sched := a.Triggers(d)
				for _, op := range ops {
					created, skipped, failed, err := sched.TriggerDue(cmd.Context(), op, model.CreatedVia(via), jobIDs)
					if err != nil {
						return errors.Wrapf(err, "trigger %s", op)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-36s created=%d skipped=%d failed=%d\n", op, created, skipped, failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operations, "operations", "", "Comma separated operations (default from config)")
	cmd.Flags().StringVar(&via, "via", string(model.CreatedViaScheduled), "created_via recorded on the runs")
	cmd.Flags().StringSliceVar(&jobIDs, "jobs", nil, "Restrict to these job ids")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var (
		reason string
		by     string
	)
	cmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run that has not terminated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(a *app.App, _ *queue.Dispatcher) error {
				run, err := a.Machine.Cancel(cmd.Context(), args[0], model.CancellationReason(strings.ToUpper(reason)), by)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(model.CancelAdminRequested), "Cancellation reason")
	cmd.Flags().StringVar(&by, "by", "cli", "Who canceled the run")
	return cmd
}

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(a *app.App, d *queue.Dispatcher) error {
				report, err := a.Maintenance(d).Pass(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func newSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign JOB_ID ACTION",
		Short: "Print the signature headers of a customer trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv(config.EnvPrefix+"_SIGNING_SECRET") == "" && configPath == "" {
				logger.Warn("no signing secret configured; the signature is for a random secret")
			}
			signer := signing.NewSigner([]byte(cfg.SigningSecret), cfg.SignatureTTL)
			sig, exp := signer.SignAt(args[0], model.Action(args[1]), time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "X-Integrator-Expires: %d\nX-Integrator-Signature: %s\n", exp, sig)
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue the periodic maintenance, check-run and trigger tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduler := asynq.NewScheduler(app.RedisOpt(cfg), &asynq.SchedulerOpts{
				Logger: log.AsynqLogger(logger),
				EnqueueErrorHandler: func(task *asynq.Task, _ []asynq.Option, err error) {
					if !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
						logger.Error("periodic enqueue failed", "task", task.Type(), "error", err)
					}
				},
			})
			if err := queue.RegisterPeriodic(scheduler, cfg, logger); err != nil {
				return err
			}
			if err := scheduler.Start(); err != nil {
				return errors.Wrap(err, "start scheduler")
			}
			<-cmd.Context().Done()
			scheduler.Shutdown()
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
