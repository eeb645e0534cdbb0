// Package control wires the supervisor's components together and owns the
// application lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/sentinel/internal/core/config"
	"github.com/vietddude/sentinel/internal/infra/proc"
	redisclient "github.com/vietddude/sentinel/internal/infra/redis"
	"github.com/vietddude/sentinel/internal/infra/storage"
	"github.com/vietddude/sentinel/internal/infra/storage/memory"
	"github.com/vietddude/sentinel/internal/infra/storage/postgres"
	"github.com/vietddude/sentinel/internal/supervise/backoff"
	"github.com/vietddude/sentinel/internal/supervise/classify"
	"github.com/vietddude/sentinel/internal/supervise/health"
	"github.com/vietddude/sentinel/internal/supervise/notify"
	"github.com/vietddude/sentinel/internal/supervise/recovery"
	"github.com/vietddude/sentinel/internal/supervise/repair"
	"github.com/vietddude/sentinel/internal/supervise/window"
)

// ErrSelfRestart is surfaced to main when a successful self-repair wants
// the whole process relaunched by its wrapper.
var ErrSelfRestart = recovery.ErrSelfRestartRequested

// Sentinel is the assembled application.
type Sentinel struct {
	cfg          *config.AppConfig
	orchestrator *recovery.Orchestrator
	healthServer *health.Server
	redisClient  *redisclient.Client
	db           *postgres.DB

	runErr chan error
}

// New builds a Sentinel from configuration, choosing PostgreSQL or memory
// storage and Redis or in-process dedup based on what is configured.
func New(cfg *config.AppConfig) (*Sentinel, error) {
	s := &Sentinel{cfg: cfg, runErr: make(chan error, 1)}

	// Storage: PostgreSQL when a DSN is configured, memory otherwise.
	var exitRepo storage.ExitEventRepository
	var repairRepo storage.RepairRepository
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		s.db = db
		exitRepo = postgres.NewExitEventRepo(db)
		repairRepo = postgres.NewRepairRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		exitRepo = memory.NewExitEventRepo(0)
		repairRepo = memory.NewRepairRepo()
		slog.Info("Using memory storage")
	}

	// Notifications: Redis-backed dedup when configured.
	var deduper notify.Deduper
	var journal repair.Journal
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.redisClient = rc
		deduper = rc
		journal = rc
		slog.Info("Using Redis for notification dedup and repair journal")
	} else {
		deduper = notify.NewMemoryDeduper()
		slog.Info("Using in-process notification dedup")
	}
	notifier := notify.NewDedupNotifier(notify.LogNotifier{}, deduper, cfg.Notify.DedupWindow)

	// Repair policy with the exec-backed fixer.
	var repairs recovery.RepairPolicy
	if cfg.Recovery.RepairEnabled && cfg.Repair.Fixer.Path != "" {
		runner := &repair.ExecRunner{Path: cfg.Repair.Fixer.Path, Args: cfg.Repair.Fixer.Args}
		changes := &repair.GitChangeDetector{Dir: cfg.Repair.Policy.WorkingDir}
		repairs = repair.NewPolicy(cfg.Repair.Policy, runner, changes, repairRepo, journal)
	} else if cfg.Recovery.RepairEnabled {
		slog.Warn("Repair enabled but no fixer configured; disabling repair")
		cfg.Recovery.RepairEnabled = false
	}

	runner := proc.NewRunner(cfg.Worker, cfg.Process.TailLines)
	classifier := classify.New(cfg.Classify)
	windows := window.NewTracker(cfg.Recovery.CrashLoopWindow)
	controller := backoff.NewController(cfg.Backoff)

	s.orchestrator = recovery.New(
		cfg.Recovery,
		runner,
		classifier,
		windows,
		controller,
		repairs,
		notifier,
		logWorkRequester{},
		exitRepo,
	)

	monitor := health.NewMonitor(s.orchestrator, exitRepo, repairRepo)
	s.healthServer = health.NewServer(monitor, cfg.Server.Port)

	return s, nil
}

// Start launches the health server and the supervise loop.
func (s *Sentinel) Start(ctx context.Context) error {
	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()
	slog.Info("Health server listening", "port", s.cfg.Server.Port)

	go func() {
		s.runErr <- s.orchestrator.Run(ctx)
	}()
	slog.Info("Supervisor started", "worker", s.cfg.Worker.Path)
	return nil
}

// Wait blocks until the supervise loop ends, returning ErrSelfRestart when
// a successful self-repair requests a relaunch.
func (s *Sentinel) Wait() error {
	return <-s.runErr
}

// Stop performs graceful shutdown.
func (s *Sentinel) Stop(ctx context.Context) error {
	s.orchestrator.Shutdown()

	if err := s.healthServer.Stop(ctx); err != nil {
		slog.Warn("Health server shutdown failed", "error", err)
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Database close failed", "error", err)
		}
	}
	return nil
}

// logWorkRequester is the default WorkRequester: it only records that the
// worker drained its backlog. Deployments wire a real task-board client in
// front of the supervisor process.
type logWorkRequester struct{}

func (logWorkRequester) RequestMore(ctx context.Context, reason string) {
	slog.Info("Requesting more work for drained backlog", "reason", reason)
}
