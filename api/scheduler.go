/*
scheduler.go - Periodic batch jobs

PURPOSE:
  Runs the engine's batch jobs on one ticker, as the system actor, through
  the same Transaction Manager and Locker as interactive calls:
    1. Year-end carryover for the carryover leave type, once the year end
       has passed
    2. Monthly accrual for every monthly-frequency policy
    3. Expiry of unused carried-over days past their expiry date
    4. Archival of requests decided before the retention cutoff

  Every job is idempotent, so a tick that overlaps a crashed or manual run
  only skips what is already done.

USAGE:
  s := api.NewScheduler(svc, api.SchedulerConfig{Interval: time.Hour, ...}, log)
  s.Start(ctx)
  defer s.Stop()

SEE ALSO:
  - timeoff/accrual.go, carryover/processor.go: the jobs
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/timeoff"
)

type SchedulerConfig struct {
	Interval           time.Duration
	ArchiveAfter       time.Duration // 0 disables archival
	CarryoverLeaveType generic.LeaveType
}

type Scheduler struct {
	svc Services
	cfg SchedulerConfig
	log *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(svc Services, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{svc: svc, cfg: cfg, log: logger.Named("scheduler")}
}

// Start runs one pass immediately, then one per interval until Stop or
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunOnce executes every job once. Job failures are logged; the next job
// still runs.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.svc.Clock.Now()
	actor := generic.SystemActor()

	year, ok := s.yearEnd(ctx, actor, now)
	if ctx.Err() != nil {
		return
	}
	s.accrue(ctx, actor, now)
	if ctx.Err() != nil {
		return
	}
	if ok {
		if rep, err := s.svc.Carryover.ExpireCarriedOver(ctx, actor, year, now); err != nil {
			s.log.Error("carryover expiry failed", zap.Int("year", year), zap.Error(err))
		} else if n := len(rep.Results); n > 0 {
			s.log.Info("carryover expiry ran", zap.Int("year", year), zap.Int("records", n))
		}
	}
	if s.cfg.ArchiveAfter > 0 && ctx.Err() == nil {
		if _, err := s.svc.Machine.Archive(ctx, actor, now.Add(-s.cfg.ArchiveAfter)); err != nil {
			s.log.Error("archive failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) accrue(ctx context.Context, actor generic.Actor, now time.Time) {
	for _, p := range s.svc.Policies.All() {
		if p.Frequency != timeoff.FreqMonthly {
			continue
		}
		if _, err := s.svc.Accruer.RunMonth(ctx, actor, p.LeaveType, now.Year(), now.Month(), s.svc.Roster); err != nil {
			s.log.Error("accrual failed", zap.String("leave_type", string(p.LeaveType)), zap.Error(err))
		}
	}
}

// yearEnd processes the most recent year end strictly before today and
// returns its year.
func (s *Scheduler) yearEnd(ctx context.Context, actor generic.Actor, now time.Time) (int, bool) {
	if s.cfg.CarryoverLeaveType == "" {
		return 0, false
	}
	policy, err := s.svc.Policies.Get(s.cfg.CarryoverLeaveType)
	if err != nil {
		s.log.Error("carryover policy missing", zap.String("leave_type", string(s.cfg.CarryoverLeaveType)), zap.Error(err))
		return 0, false
	}
	cp := policy.CarryoverPolicy()
	year := LastClosedYear(cp, generic.DateOf(now))

	if _, err := s.svc.Carryover.BulkProcess(ctx, actor, cp, year); err != nil {
		s.log.Error("year end failed", zap.Int("year", year), zap.Error(err))
	}
	return year, true
}

// LastClosedYear is the year whose year end most recently passed.
func LastClosedYear(p generic.CarryoverPolicy, today generic.TimePoint) int {
	year := today.Year()
	if !today.After(p.YearEnd(year)) {
		year--
	}
	return year
}
