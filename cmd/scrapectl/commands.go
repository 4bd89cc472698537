package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentscraper/scrapectl/internal/dashboard"
	"github.com/agentscraper/scrapectl/internal/job"
	"github.com/agentscraper/scrapectl/internal/log"
	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/process"
	"github.com/agentscraper/scrapectl/internal/service"
	"github.com/agentscraper/scrapectl/internal/store"
)

const envRunID = process.EnvRunID

var (
	flagSpec  model.JobSpec
	flagDelay time.Duration
	flagLimit int
	flagRunID string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the dashboard and reconcile the active run periodically",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start a new run unless another one is active",
	Args:  cobra.NoArgs,
	RunE:  doStart,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <run_id>",
	Short: "stop the job process of a run and mark it terminated",
	Args:  cobra.ExactArgs(1),
	RunE:  doTerminate,
}

var statusCmd = &cobra.Command{
	Use:   "status [run_id|active]",
	Short: "print a run, the active one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doStatus,
}

var resultsCmd = &cobra.Command{
	Use:   "results <run_id>",
	Short: "print the newest results of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  doResults,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "bring the active run in line with its job process",
	Args:  cobra.NoArgs,
	RunE:  doReconcile,
}

var jobCmd = &cobra.Command{
	Use:    service.JobSubcommand,
	Short:  "internal command",
	Args:   cobra.NoArgs,
	RunE:   doJob,
	Hidden: true,
}

func addStartFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagSpec.Name, "name", "", "run name, defaults to the target")
	f.StringVar(&flagSpec.Target, "target", "", "url to scrape, any value for the noop kind")
	f.StringVar(&flagSpec.Kind, "kind", model.JobKindHTTP, "scraper kind: http or noop")
	f.StringArrayVar(&flagSpec.Queries, "query", nil, "query to send, repeatable")
	f.IntVar(&flagSpec.Runs, "runs", 1, fmt.Sprintf("number of batches (1..%d)", model.MaxRuns))
	f.IntVar(&flagSpec.Concurrency, "concurrency", 1, fmt.Sprintf("parallel requests (1..%d)", model.MaxConcurrency))
	f.Float64Var(&flagSpec.RatePerSecond, "rate", 0, "request rate limit per second, 0 is unlimited")
	f.DurationVar(&flagDelay, "delay", 0, "answer delay of the noop kind")
	_ = cmd.MarkFlagRequired("target")
}

func cmdContext(cmd *cobra.Command) context.Context {
	return log.ContextAttrs(cmd.Context(), slog.Group("scrapectl",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))
}

func openStore(ctx context.Context) (store.Store, error) {
	return service.Retry(ctx, service.DefaultRetryFor, func() (store.Store, error) {
		return service.OpenStore(ctx, config.Store)
	})
}

// supervisorFromConfig wires the store, the job spawners and the timing of the
// configuration together.
func supervisorFromConfig(ctx context.Context) (*service.Supervisor, store.Store, error) {
	timing, err := config.Service.Timing()
	if err != nil {
		return nil, nil, err
	}
	router, err := process.New(config.Job)
	if err != nil {
		return nil, nil, err
	}
	jobCommand, err := service.NewJobCommand(config.Job, jobEnv()...)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return service.NewSupervisor(st, router, jobCommand, timing), st, nil
}

// jobEnv points the job process to the same store. A containerized job can't
// read the config file of the host.
func jobEnv() []string {
	env := []string{
		model.EnvPrefix + "_STORE_DRIVER=" + config.Store.Driver,
		model.EnvPrefix + "_STORE_DSN=" + config.Store.DSN,
	}
	if config.Job.Backend != model.BackendDocker {
		path, err := filepath.Abs(configPath)
		if err != nil {
			path = configPath
		}
		env = append(env, envConfig+"="+path)
	}
	return env
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor, st, err := supervisorFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		return dashboard.New(supervisor, service.NewReporter(st)).Run(ctx, config.Service.Listen)
	})
	g.Go(func() error {
		return model.WatchConfig(ctx, configPath, func(cfg model.Config, err error) {
			if err != nil {
				for _, d := range model.CueErrDetails(err) {
					slog.ErrorContext(ctx, "invalid config", d.Attr("detail"))
				}
				slog.ErrorContext(ctx, "config reload failed: keeping the current one", "error", err)
				return
			}
			if err := applyConfig(ctx, supervisor, cfg); err != nil {
				slog.ErrorContext(ctx, "applying reloaded config failed: keeping the current one", "error", err)
				return
			}
			slog.InfoContext(ctx, "config reloaded", "path", configPath)
		})
	})
	return g.Wait()
}

// applyConfig retunes a running supervisor. Only the timing is picked up, the
// store and the job backend need a restart.
func applyConfig(ctx context.Context, supervisor *service.Supervisor, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	timing, err := cfg.Service.Timing()
	if err != nil {
		return err
	}
	return supervisor.SetTiming(ctx, timing)
}

func doStart(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	supervisor, st, err := supervisorFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() {
		supervisor.Close()
		_ = st.Close()
	}()

	spec := flagSpec
	spec.Delay = model.Duration(flagDelay)
	rec, err := service.Retry(ctx, service.DefaultRetryFor, func() (model.RunRecord, error) {
		return supervisor.Start(ctx, spec)
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func doTerminate(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	supervisor, st, err := supervisorFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() {
		supervisor.Close()
		_ = st.Close()
	}()

	rec, err := service.Retry(ctx, service.DefaultRetryFor, func() (model.RunRecord, error) {
		return supervisor.Terminate(ctx, args[0])
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	supervisor, st, err := supervisorFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() {
		supervisor.Close()
		_ = st.Close()
	}()

	// status is still printed when the reconcile fails
	if err := supervisor.Reconcile(ctx); err != nil {
		slog.WarnContext(ctx, "reconcile failed", "error", err)
	}

	runID := service.Active
	if len(args) == 1 {
		runID = args[0]
	}
	reporter := service.NewReporter(st)
	rec, err := service.Retry(ctx, service.DefaultRetryFor, func() (model.RunRecord, error) {
		return reporter.Status(ctx, runID)
	})
	if err != nil {
		return err
	}
	if rec.Status != model.StatusIdle {
		return printJSON(cmd.OutOrStdout(), rec)
	}

	idle := struct {
		Status  model.Status     `json:"status"`
		LastRun *model.RunRecord `json:"last_run,omitempty"`
	}{Status: model.StatusIdle}
	last, err := reporter.LastFinished(ctx)
	switch {
	case err == nil:
		idle.LastRun = &last
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return printJSON(cmd.OutOrStdout(), idle)
}

func doResults(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	reporter := service.NewReporter(st)
	results, err := service.Retry(ctx, service.DefaultRetryFor, func() ([]model.Result, error) {
		return reporter.Results(ctx, args[0], flagLimit)
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func doReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	supervisor, st, err := supervisorFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() {
		supervisor.Close()
		_ = st.Close()
	}()
	return supervisor.Reconcile(ctx)
}

func doJob(cmd *cobra.Command, _ []string) error {
	if flagRunID == "" {
		return fmt.Errorf("--run-id or %s is required", envRunID)
	}
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	every, err := config.Job.ProgressEvery()
	if err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()
	return job.NewRunner(st, every).Run(ctx, flagRunID)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
