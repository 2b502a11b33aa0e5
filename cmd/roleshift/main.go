package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/roleshift/roleshift/cmd/roleshift/cli"
	"github.com/roleshift/roleshift/internal/app"
	"github.com/roleshift/roleshift/internal/migration"
	migrationhttp "github.com/roleshift/roleshift/internal/migration/http"
	"github.com/roleshift/roleshift/internal/observability"
	"github.com/roleshift/roleshift/internal/platform/cache"
	"github.com/roleshift/roleshift/internal/platform/db"
	"github.com/roleshift/roleshift/internal/shared"
)

const usage = `usage: roleshift <command> [flags]

commands:
  validate   dry-run preflight against a mapping file
  run        execute a migration run
  status     show current run phase and progress
  rollback   manually restore a run from its backup
  serve      start the read-only status HTTP server
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(cli.ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(cli.ExitFailure)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(cli.ExitFailure)
	}
	defer pool.Close()

	repo := migration.NewRepository(pool)

	// Health caching through redis is optional for CLI commands; the
	// store keeps working without it.
	var healthCache *migration.HealthCache
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, health cache disabled", slog.Any("error", err))
	} else {
		defer redisClient.Close()
		healthCache = migration.NewHealthCache(redisClient)
	}

	thresholds := migration.PreflightThresholds{
		MaxLockWaiters:    cfg.MaxLockWaiters,
		MaxActiveSessions: cfg.MaxActiveSessions,
		MaxQueryLatency:   cfg.MaxQueryLatency,
		MaxSnapshotBytes:  migration.DefaultThresholds().MaxSnapshotBytes,
		MinServerMajor:    migration.DefaultThresholds().MinServerMajor,
	}
	healthThresholds := migration.HealthThresholds{
		MaxLockWaiters:    cfg.MaxLockWaiters,
		MaxActiveSessions: cfg.MaxActiveSessions,
		MaxQueryLatency:   cfg.MaxQueryLatency,
	}

	backup := migration.NewBackupManager(repo, migration.RetentionPolicy{
		KeepCount:   cfg.BackupRetentionCount,
		GracePeriod: cfg.BackupGracePeriod,
	}, logger)
	metrics := observability.NewMetrics()
	orch, err := migration.NewOrchestrator(migration.OrchestratorConfig{
		Runs:             repo,
		Preflight:        migration.NewPreflightValidator(repo, thresholds, logger),
		Backup:           backup,
		Executor:         migration.NewMigrationExecutor(repo, logger),
		PostCheck:        migration.NewPostMigrationValidator(repo, logger),
		Rollback:         migration.NewRollbackController(backup, repo, logger),
		Sampler:          migration.NewHealthSampler(repo, healthCache, healthThresholds, cfg.HealthSampleInterval, logger),
		Audit:            shared.NewAuditLogger(pool),
		Metrics:          metrics,
		Logger:           logger,
		PreflightTimeout: cfg.PreflightTimeout,
		BackupTimeout:    cfg.BackupTimeout,
	})
	if err != nil {
		logger.Error("build orchestrator", slog.Any("error", err))
		os.Exit(cli.ExitFailure)
	}

	monitor := migration.NewProgressMonitor(repo, healthCache, cfg.MonitorPollInterval, os.Stdout)
	commands := cli.NewMigrationCLI(orch, monitor)

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		mappingPath := fs.String("mapping", "", "path to the role mapping document")
		jsonOut := fs.Bool("json", false, "emit JSON instead of text")
		_ = fs.Parse(args)
		os.Exit(commands.ValidateCommand(ctx, cli.ValidateOptions{
			MappingPath: *mappingPath,
			JSONOutput:  *jsonOut,
		}))
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		mappingPath := fs.String("mapping", "", "path to the role mapping document")
		force := fs.Bool("force", false, "skip the interactive confirmation")
		jsonOut := fs.Bool("json", false, "emit JSON instead of text")
		actor := fs.String("actor", "", "operator name recorded in the audit trail")
		_ = fs.Parse(args)
		os.Exit(commands.RunCommand(ctx, cli.RunOptions{
			MappingPath: *mappingPath,
			Actor:       *actor,
			Force:       *force,
			JSONOutput:  *jsonOut,
		}))
	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		runID := fs.String("run", "", "run id (defaults to the latest run)")
		watch := fs.Bool("watch", false, "poll until the run reaches a terminal phase")
		jsonOut := fs.Bool("json", false, "emit JSON instead of text")
		_ = fs.Parse(args)
		os.Exit(commands.StatusCommand(ctx, cli.StatusOptions{
			RunID:      *runID,
			Watch:      *watch,
			JSONOutput: *jsonOut,
		}))
	case "rollback":
		fs := flag.NewFlagSet("rollback", flag.ExitOnError)
		jsonOut := fs.Bool("json", false, "emit JSON instead of text")
		actor := fs.String("actor", "", "operator name recorded in the audit trail")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: roleshift rollback [flags] <run_id>")
			os.Exit(cli.ExitFailure)
		}
		os.Exit(commands.RollbackCommand(ctx, cli.RollbackOptions{
			RunID:      fs.Arg(0),
			Actor:      *actor,
			JSONOutput: *jsonOut,
		}))
	case "serve":
		if err := serveStatus(ctx, cfg, logger, metrics, monitor, repo); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server", slog.Any("error", err))
			os.Exit(cli.ExitFailure)
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(cli.ExitFailure)
	}
}

func serveStatus(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics, monitor *migration.ProgressMonitor, repo *migration.Repository) error {
	secureMW := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IsDevelopment:      !cfg.IsProduction(),
	})

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(httprate.LimitByIP(60, time.Minute))
	router.Use(secureMW.Handler)
	router.Use(metrics.Middleware)

	handler := migrationhttp.NewHandler(monitor, repo, logger)
	router.Route("/", handler.Routes)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      router,
		ReadTimeout:  cfg.StatusReadTimeout,
		WriteTimeout: cfg.StatusWriteTimeout,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
	return srv.ListenAndServe()
}
