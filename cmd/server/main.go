/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (YAML file, .env, LEAVE_* environment)
  2. Build the logger
  3. Open the store and the lock backend
  4. Load the policy document (policies, workflows, directory, holidays)
  5. Wire the engine components, the HTTP router and the scheduler
  6. Serve until SIGINT/SIGTERM, then shut down gracefully

COMMAND-LINE FLAGS:
  -config  Engine configuration file (optional)
  -env     .env file loaded before the environment (default: .env)

EXAMPLES:
  ./server -config=engine.yaml
  LEAVE_DATABASE_DRIVER=memory LEAVE_LOCKS_BACKEND=memory ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/carryover"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/lock"
	"github.com/warp/leave-engine/logging"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/store/postgres"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/timeoff"
	"github.com/warp/leave-engine/txn"
)

func main() {
	configPath := flag.String("config", "", "engine configuration file")
	envFile := flag.String("env", ".env", ".env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logger.Logging())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var clock generic.Clock

	// Store
	var (
		txStore generic.TxStore
		sqlStore *sqlite.Store
	)
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer s.Close()
		txStore, sqlStore = s, s
	default:
		txStore = store.NewTxMemory()
	}

	// Locks
	var locker lock.Locker
	switch cfg.Locks.Backend {
	case "sqlite":
		locker = sqlite.NewLocker(sqlStore, clock)
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Locks.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		pl := postgres.NewLocker(pool, clock)
		if err := pl.EnsureSchema(ctx); err != nil {
			return err
		}
		locker = pl
	default:
		locker = lock.NewMemory(clock)
	}

	// Policy document
	setup, err := factory.NewPolicyFactory().Load(cfg.PoliciesFile)
	if err != nil {
		return err
	}

	// Events and audit
	bus := notify.NewBus(logger)
	bus.Subscribe("log", notify.LogHandler(logger.Named("events")))
	trail := notify.NewMemoryAudit()

	tx := txn.NewManager(txStore, txn.Options{
		Locker:     locker,
		Audit:      notify.Tee{notify.NewZapAudit(logger), trail},
		Dispatcher: bus,
		Logger:     logger,
		Clock:      clock,
		BaseDelay:  cfg.Transactions.BaseDelay,
		MaxDelay:   cfg.Transactions.MaxDelay,
		LockTTL:    cfg.Locks.TTL,
	})
	ledger := generic.NewLedger(clock)
	retries := cfg.Transactions.MaxRetries
	concurrency := cfg.Transactions.BatchConcurrency

	svc := api.Services{
		Tx:     tx,
		Ledger: ledger,
		Machine: approval.NewMachine(tx, ledger, setup.Workflows, setup.Directory, logger, approval.Config{
			SubmitRetries: cfg.Transactions.InteractiveRetries,
			DecideRetries: retries,
			CancelRetries: retries,
		}),
		Carryover: carryover.NewProcessor(tx, ledger, logger, carryover.Config{Retries: retries, Concurrency: concurrency}),
		Assigner:  timeoff.NewAssigner(tx, ledger, setup.Policies, logger, retries),
		Accruer:   timeoff.NewAccruer(tx, ledger, setup.Policies, logger, retries, concurrency),
		Adjuster:  timeoff.NewAdjuster(tx, ledger, logger, retries),
		Policies:  setup.Policies,
		Calendar:  setup.Calendar,
		Roster:    setup.Roster,
		Clock:     clock,
		Audit:     trail,
	}

	handler := api.NewHandler(svc, api.DefaultRoles(setup.Directory), logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		sched := api.NewScheduler(svc, api.SchedulerConfig{
			Interval:           cfg.Scheduler.Interval,
			ArchiveAfter:       cfg.Scheduler.ArchiveAfter,
			CarryoverLeaveType: generic.LeaveType(cfg.Scheduler.CarryoverLeaveType),
		}, logger)
		sched.Start(ctx)
		defer sched.Stop()
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.Database.Driver),
			zap.String("locks", cfg.Locks.Backend),
			zap.Int("policies", len(setup.Policies.All())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
