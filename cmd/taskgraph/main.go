// Command taskgraph is the thin driver binary around the core packages:
// it wires configuration into collection, resolution, and execution, and
// prints the combined report. Task definitions themselves are registered in
// Go code (see examples/simple) rather than discovered dynamically, since
// Go has no equivalent of importing arbitrary modules off a directory walk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/augustebaum/pytask-go/examples/simple"
	"github.com/augustebaum/pytask-go/internal/collect"
	"github.com/augustebaum/pytask-go/internal/config"
	"github.com/augustebaum/pytask-go/internal/exec"
	"github.com/augustebaum/pytask-go/internal/graph"
	"github.com/augustebaum/pytask-go/internal/model"
	"github.com/augustebaum/pytask-go/internal/report"
	"github.com/augustebaum/pytask-go/internal/schedule"
	"github.com/augustebaum/pytask-go/internal/statedb"
	"github.com/augustebaum/pytask-go/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("taskgraph", flag.ContinueOnError)
	root := fs.String("root", ".", "directory task definitions are rooted under")
	parallelism := fs.Int("parallelism", 1, "number of concurrent execution workers")
	maxFailures := fs.Int("max-failures", 0, "abort after this many task failures (0 = unlimited)")
	stateDBPath := fs.String("state-db", ".taskgraph", "directory the state database lives in")
	strictMarkers := fs.Bool("strict-markers", false, "reject marks not in the registered whitelist")
	cronExpr := fs.String("cron", "", "re-run the pipeline on this cron schedule instead of once")
	jsonOut := fs.Bool("json", false, "print the combined report as JSON instead of text")
	jsonLog := fs.Bool("json-log", false, "emit structured JSON logs instead of text")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	os.Setenv("TASKGRAPH_LOG_LEVEL", *logLevel)
	if *jsonLog {
		os.Setenv("TASKGRAPH_JSON_LOG", "1")
	}
	log := telemetry.InitLogging("taskgraph")

	cfg := config.RunConfig{
		Roots:           []string{*root},
		Parallelism:     *parallelism,
		MaxFailures:     *maxFailures,
		StateDBPath:     *stateDBPath,
		StrictMarkers:   *strictMarkers,
		MarkerWhitelist: []string{"skip", "skip_if", "skip_unchanged", "skip_ancestor_failed", "persist", "try_first", "try_last", "parametrize", "depends_on", "produces"},
		CronExpr:        *cronExpr,
		LogLevel:        *logLevel,
	}.WithDefaults()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(report.ExitConfigurationFailed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, "taskgraph")
	shutdownMetrics := telemetry.InitMetrics(ctx, "taskgraph")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Flush(flushCtx, shutdownTrace)
		telemetry.Flush(flushCtx, shutdownMetrics)
	}()

	if err := os.MkdirAll(cfg.StateDBPath, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create state db directory:", err)
		return int(report.ExitConfigurationFailed)
	}

	db, err := statedb.Open(cfg.StateDBPath, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open state db:", err)
		return int(report.ExitConfigurationFailed)
	}
	defer db.Close()

	if err := simple.EnsureSource(*root); err != nil {
		fmt.Fprintln(os.Stderr, "prepare example source:", err)
		return int(report.ExitConfigurationFailed)
	}

	runOnce := func(ctx context.Context) (report.Reports, error) {
		return runPipeline(ctx, cfg, db, log)
	}

	if cfg.CronExpr == "" {
		reports, _ := runOnce(ctx)
		return emit(reports, *jsonOut)
	}

	sched := schedule.New(log)
	var lastCode int
	err = sched.Add(schedule.Entry{Name: "default", CronExpr: cfg.CronExpr, Enabled: true}, func(ctx context.Context) error {
		reports, runErr := runOnce(ctx)
		lastCode = emit(reports, *jsonOut)
		return runErr
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(report.ExitConfigurationFailed)
	}
	sched.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	return lastCode
}

func runPipeline(ctx context.Context, cfg config.RunConfig, db *statedb.DB, log *slog.Logger) (report.Reports, error) {
	defs := simple.TaskDefs(cfg.Roots[0])
	resolver := simple.NewResolveNodeHook()

	collectReport, tasks, markTable, err := collect.Collect(ctx, defs, resolver, cfg.MarkerWhitelistSet())
	if err != nil {
		return report.Reports{
			ExitCode:   report.ExitCollectionFailed,
			Collection: report.FromCollection(collectReport),
		}, err
	}

	filtered := make([]model.Task, 0, len(tasks))
	for _, task := range tasks {
		if cfg.Selected(task.ID) {
			filtered = append(filtered, task)
		}
	}

	g, gerr := graph.Build(filtered)
	resolution := report.ResolutionReport{}
	if gerr != nil {
		resolution.Error = gerr.Error()
		return report.Reports{
			ExitCode:   report.ExitResolutionFailed,
			Collection: report.FromCollection(collectReport),
			Resolution: resolution,
		}, gerr
	}
	if verr := g.ValidateDependencies(ctx); verr != nil {
		resolution.Error = verr.Error()
		return report.Reports{
			ExitCode:   report.ExitResolutionFailed,
			Collection: report.FromCollection(collectReport),
			Resolution: resolution,
		}, verr
	}
	order, serr := g.Sort()
	if serr != nil {
		resolution.Error = serr.Error()
		return report.Reports{
			ExitCode:   report.ExitResolutionFailed,
			Collection: report.FromCollection(collectReport),
			Resolution: resolution,
		}, serr
	}
	resolution.Order = order

	engine := exec.New(g, db, exec.Config{
		Parallelism:      cfg.Parallelism,
		MaxFailures:      cfg.MaxFailures,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryInitialWait: cfg.RetryInitialWait,
	}, log, markTable)
	results, runErr := engine.Run(ctx)
	aborted := runErr != nil
	execution := report.NewExecutionReport(results, aborted)

	full := report.Reports{
		Collection: report.FromCollection(collectReport),
		Resolution: resolution,
		Execution:  execution,
	}
	full.ExitCode = report.Compute(full.Collection, full.Resolution, full.Execution)
	return full, runErr
}

func emit(reports report.Reports, asJSON bool) int {
	if asJSON {
		data, _ := json.MarshalIndent(reports, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("exit_code=%d\n", reports.ExitCode)
		for id, outcome := range reports.Execution.Results {
			fmt.Printf("  %-20s %s\n", id, outcome)
		}
	}
	return int(reports.ExitCode)
}
