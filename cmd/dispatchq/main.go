// Command dispatchq is the dispatchq server binary.
//
// Subcommands:
//
//	serve    — HTTP admin API + embedded workers (default for production)
//	worker   — standalone workers only (scaled deployments)
//	migrate  — run pending database migrations and exit
//	stats    — print per-queue job counts and exit
//	clean    — delete finished jobs past the retention grace and exit
//	keygen   — generate an admin API key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/shakilkhan1801/dispatchq/internal/api"
	"github.com/shakilkhan1801/dispatchq/internal/auth"
	"github.com/shakilkhan1801/dispatchq/internal/config"
	"github.com/shakilkhan1801/dispatchq/internal/notify"
	"github.com/shakilkhan1801/dispatchq/internal/queue"
	"github.com/shakilkhan1801/dispatchq/internal/store"
	"github.com/shakilkhan1801/dispatchq/migrations"
)

func main() {
	// Best effort: a local .env fills in variables the environment does not
	// already export. Missing file is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "dispatchq",
		Short: "dispatchq — persistent job queue with an HTTP admin API",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		statsCmd(),
		cleanCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP admin API and embedded workers",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.IsDevelopment() && cfg.AdminAPIKey == "" {
		return errors.New("ADMIN_API_KEY is required outside development")
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc := queue.New(store.New(db), queue.Options{
		PollInterval: cfg.QueuePollInterval,
		ErrorBackoff: cfg.QueueErrorBackoff,
		Logger:       logger,
	})
	// Close drains worker loops; it must run before the pool closes so that
	// in-flight terminal writes still have connections.
	defer svc.Close()

	if err := startWorkers(ctx, svc, cfg); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	startMaintenance(ctx, svc, cfg)

	apiSrv := api.NewServer(svc, db, cfg, logger)
	defer apiSrv.Close()

	// Explicit timeouts guard against slow-client attacks. WriteTimeout is
	// intentionally omitted; large job listings over slow links should not
	// be cut off mid-response.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start standalone workers (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc := queue.New(store.New(db), queue.Options{
		PollInterval: cfg.QueuePollInterval,
		ErrorBackoff: cfg.QueueErrorBackoff,
		Logger:       logger,
	})
	// Close blocks until every polling loop has exited; in-flight jobs
	// finish and record their terminal state first.
	defer svc.Close()

	if err := startWorkers(ctx, svc, cfg); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	startMaintenance(ctx, svc, cfg)

	slog.Info("workers running", "queues", len(cfg.Queues))
	<-ctx.Done()
	stop()
	return nil
}

// startWorkers attaches the built-in processor for every configured queue and
// launches its polling loops. A queue name outside the built-in set is a
// configuration error: its jobs would sit in waiting forever.
func startWorkers(ctx context.Context, svc *queue.Service, cfg *config.Config) error {
	procs := map[string]queue.Processor{
		"webhook": notify.NewWebhook(notify.BuildSafeClient(cfg.WebhookTimeout)).Processor(),
		"email": notify.NewEmail(notify.SmtpConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}).Processor(),
	}

	for name, concurrency := range cfg.Queues {
		proc, ok := procs[name]
		if !ok {
			return fmt.Errorf("queue %q has no built-in processor (built-ins: webhook, email)", name)
		}
		if _, err := svc.StartWorker(ctx, name, proc, concurrency); err != nil {
			return fmt.Errorf("queue %q: %w", name, err)
		}
	}
	return nil
}

// startMaintenance launches the optional background sweeps. Both loops exit
// when ctx is cancelled.
func startMaintenance(ctx context.Context, svc *queue.Service, cfg *config.Config) {
	if cfg.ReclaimAfter > 0 {
		go reclaimLoop(ctx, svc, cfg)
	}
	if cfg.RetentionEnabled {
		go retentionLoop(ctx, svc, cfg)
	}
}

// reclaimLoop periodically returns jobs stuck in active longer than
// RECLAIM_AFTER to waiting, recovering work stranded by crashed workers.
func reclaimLoop(ctx context.Context, svc *queue.Service, cfg *config.Config) {
	ticker := time.NewTicker(cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for name := range cfg.Queues {
			if _, err := svc.ReclaimStuck(ctx, name, cfg.ReclaimAfter); err != nil && ctx.Err() == nil {
				slog.Error("reclaim sweep", "queue", name, "err", err)
			}
		}
	}
}

// retentionLoop periodically deletes completed and failed jobs older than
// RETENTION_GRACE so the jobs table does not grow without bound.
func retentionLoop(ctx context.Context, svc *queue.Service, cfg *config.Config) {
	ticker := time.NewTicker(cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for name := range cfg.Queues {
			if _, err := cleanQueue(ctx, svc, name, cfg.RetentionGrace); err != nil && ctx.Err() == nil {
				slog.Error("retention sweep", "queue", name, "err", err)
			}
		}
	}
}

// cleanQueue removes both terminal states for one queue and returns the
// total number of jobs deleted.
func cleanQueue(ctx context.Context, svc *queue.Service, queueName string, grace time.Duration) (int64, error) {
	completed, err := svc.CleanCompleted(ctx, queueName, grace)
	if err != nil {
		return 0, err
	}
	failed, err := svc.CleanFailed(ctx, queueName, grace)
	if err != nil {
		return completed, err
	}
	return completed + failed, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol lets multi-statement migration files run natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-queue job counts and exit",
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	svc := queue.New(store.New(db), queue.Options{Logger: logger})
	defer svc.Close()

	// Covers every queue present in the store, configured here or not.
	all, err := svc.GetAllQueueStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tWAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED")
	for _, name := range names {
		s := all[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			name, s.Waiting, s.Delayed, s.Active, s.Completed, s.Failed)
	}
	return w.Flush()
}

// ── clean ─────────────────────────────────────────────────────────────────────

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete finished jobs past the retention grace and exit",
		RunE:  runClean,
	}
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	svc := queue.New(store.New(db), queue.Options{Logger: logger})
	defer svc.Close()

	var total int64
	for name := range cfg.Queues {
		removed, err := cleanQueue(cmd.Context(), svc, name, cfg.RetentionGrace)
		if err != nil {
			return fmt.Errorf("clean %s: %w", name, err)
		}
		total += removed
	}
	slog.Info("clean complete", "grace", cfg.RetentionGrace, "removed", total)
	return nil
}

// ── keygen ────────────────────────────────────────────────────────────────────

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an admin API key",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Printf("ADMIN_API_KEY=%s\n", key)
			fmt.Printf("sha256=%s\n", hash)
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with the configured exec mode,
// statement timeout, and sizing.
//
// Retries up to 10 times with linear backoff to absorb the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn when DB_MAX_CONNS gets close to the server-side limit; several
	// instances sharing one Postgres can exhaust it otherwise.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema check: catches deployments where migrations have not
	// been applied yet. A missing schema_migrations table counts as stale.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err != nil || schemaVersion != expectedSchemaVersion {
		slog.Warn("database schema not current — run `dispatchq migrate`",
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary
// requires. Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger builds the process logger. Development gets tint's colorized
// console output; production gets JSON for log shippers. LOG_FORMAT=text
// forces the plain text handler either way.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	switch {
	case cfg.LogFormat == "text":
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	case cfg.IsDevelopment():
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}
