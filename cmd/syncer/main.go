package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	appsync "github.com/rivertide/sellersync/internal/app/sync"
	"github.com/rivertide/sellersync/internal/config"
	"github.com/rivertide/sellersync/internal/config/fileloader"
	domain "github.com/rivertide/sellersync/internal/domain/sync"
	"github.com/rivertide/sellersync/internal/infra/catalog"
	"github.com/rivertide/sellersync/internal/infra/reportapi"
	syncpg "github.com/rivertide/sellersync/internal/infra/storage/sync/postgres"
	"github.com/rivertide/sellersync/pkg/common"
	"github.com/rivertide/sellersync/pkg/common/logger"
	"github.com/rivertide/sellersync/pkg/common/otel"
)

const serviceType = "syncer"

const dayLayout = "2006-01-02"

func main() {
	_, _ = maxprocs.Set()
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "path to the configuration file",
		Value: "config.yaml",
	}
	sourceFlag := &cli.StringFlag{
		Name:     "source",
		Usage:    "source type (sales_traffic, orders, search_performance, financial)",
		Required: true,
	}
	marketplaceFlag := &cli.StringFlag{
		Name:     "marketplace",
		Usage:    "marketplace code",
		Required: true,
	}

	root := &cli.Command{
		Name:  "syncer",
		Usage: "pulls business reports from the upstream API into Postgres",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "pull the regular daily window for every configured source",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "day",
						Usage: "day to pull (YYYY-MM-DD, default: two days ago)",
					},
				},
				Action: runAction,
			},
			{
				Name:  "backfill",
				Usage: "pull a historical range, newest day first",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "from", Usage: "first day (YYYY-MM-DD)", Required: true},
					&cli.StringFlag{Name: "to", Usage: "last day (YYYY-MM-DD)", Required: true},
				},
				Action: backfillAction,
			},
			{
				Name:   "refresh",
				Usage:  "re-pull the trailing attribution window",
				Flags:  []cli.Flag{configFlag},
				Action: refreshAction,
			},
			{
				Name:   "status",
				Usage:  "list units needing attention for a source and marketplace",
				Flags:  []cli.Flag{configFlag, sourceFlag, marketplaceFlag},
				Action: statusAction,
			},
			{
				Name:  "gaps",
				Usage: "list days never pulled for a source and marketplace",
				Flags: []cli.Flag{
					configFlag, sourceFlag, marketplaceFlag,
					&cli.StringFlag{Name: "from", Usage: "first day (YYYY-MM-DD)", Required: true},
					&cli.StringFlag{Name: "to", Usage: "last day (YYYY-MM-DD)", Required: true},
				},
				Action: gapsAction,
			},
			{
				Name:   "refresh-views",
				Usage:  "rebuild the derived rollups",
				Flags:  []cli.Flag{configFlag},
				Action: refreshViewsAction,
			},
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		stdlog.Fatal(err)
	}
}

// app carries the wired collaborators for one command invocation.
type app struct {
	cfg          *config.Config
	log          *logger.Logger
	tracer       trace.Tracer
	pool         *pgxpool.Pool
	orchestrator *appsync.Orchestrator
	monitor      *appsync.Monitor
	records      domain.RecordStore
	teardown     func(context.Context)
}

func (a *app) close(ctx context.Context) {
	if a.teardown != nil {
		a.teardown(ctx)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}
			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("SYNCER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	a := &app{cfg: cfg, log: log}

	if cfg.Telemetry.Endpoint != "" {
		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			Probability:      cfg.Telemetry.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"host.name":        hostname,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.teardown = teardown
		a.tracer = tp.Tracer(serviceType)
	} else {
		a.tracer = noop.NewTracerProvider().Tracer(serviceType)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	a.pool = pool

	if err := runMigrations(pool); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	quotas := common.NewQuotaRegistry(common.DefaultQuotaLimits)
	client := reportapi.NewClient(cfg.API.BaseURL, quotas, log, a.tracer,
		reportapi.WithMaxRetries(cfg.API.MaxRetries))

	checkpoints := syncpg.NewCheckpointStore(pool, a.tracer)
	records := syncpg.NewRecordStore(pool, a.tracer)
	a.records = records

	driver := appsync.NewLifecycleDriver(client, quotas,
		cfg.Engine.PollInterval, cfg.Engine.PollBudget, log, a.tracer)
	ingestor := appsync.NewIngestor(records, log, a.tracer)
	cat := catalog.NewCatalog(cfg)

	a.orchestrator = appsync.NewOrchestrator(
		checkpoints, driver, ingestor, cat, cat,
		appsync.EngineConfig{
			MaxWorkers:            cfg.Engine.MaxWorkers,
			MaxBatchChars:         cfg.Engine.MaxBatchChars,
			DrainMargin:           cfg.Engine.DrainMargin,
			FatalAttemptThreshold: cfg.Engine.FatalAttemptThreshold,
		},
		log, a.tracer,
	)
	a.monitor = appsync.NewMonitor(checkpoints)
	return a, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	// The upstream finalizes a day's data with a lag; two days back is the
	// newest window that is safe to treat as complete.
	day := time.Now().UTC().AddDate(0, 0, -2)
	if raw := cmd.String("day"); raw != "" {
		day, err = time.Parse(dayLayout, raw)
		if err != nil {
			return fmt.Errorf("invalid --day: %w", err)
		}
	}

	units, err := appsync.PlanDaily(a.cfg.EnabledSources(), a.cfg.MarketplaceCodes(), day)
	if err != nil {
		return err
	}
	return a.runUnits(ctx, units)
}

func backfillAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	from, to, err := parseRange(cmd)
	if err != nil {
		return err
	}

	units, err := appsync.PlanBackfill(a.cfg.EnabledSources(), a.cfg.MarketplaceCodes(), from, to)
	if err != nil {
		return err
	}
	return a.runUnits(ctx, units)
}

func refreshAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	units, err := appsync.PlanRefresh(
		a.cfg.EnabledSources(), a.cfg.MarketplaceCodes(),
		time.Now().UTC(), a.cfg.Engine.RefreshWindowDays)
	if err != nil {
		return err
	}
	return a.runUnits(ctx, units)
}

func (a *app) runUnits(ctx context.Context, units []domain.WorkUnit) error {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Engine.InvocationBudget)
	defer cancel()

	summary, err := a.orchestrator.Run(runCtx, units)
	a.log.Info(ctx, "invocation finished",
		"rows_written", summary.RowsWritten,
		"units_completed", summary.UnitsCompleted,
		"units_partial", summary.UnitsPartial,
		"units_failed", summary.UnitsFailed,
		"units_skipped", summary.UnitsSkipped,
	)
	if err != nil {
		return err
	}

	if summary.RowsWritten > 0 {
		if err := a.records.RefreshAggregates(ctx); err != nil {
			a.log.Error(ctx, "failed to refresh aggregates", "error", err)
			return err
		}
	}
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	cps, err := a.monitor.NeedingAttention(ctx,
		domain.SourceType(cmd.String("source")), cmd.String("marketplace"))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(cps, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func gapsAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	from, to, err := parseRange(cmd)
	if err != nil {
		return err
	}

	days, err := a.monitor.Gaps(ctx,
		domain.SourceType(cmd.String("source")), cmd.String("marketplace"), from, to)
	if err != nil {
		return err
	}
	for _, day := range days {
		fmt.Println(day.Format(dayLayout))
	}
	return nil
}

func refreshViewsAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	return a.records.RefreshAggregates(ctx)
}

func parseRange(cmd *cli.Command) (time.Time, time.Time, error) {
	from, err := time.Parse(dayLayout, cmd.String("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(dayLayout, cmd.String("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to precedes --from")
	}
	return from, to, nil
}

// runMigrations applies all up migrations from db/migrations over a
// database/sql handle opened from the pool.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
